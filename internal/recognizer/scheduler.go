package recognizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/your-org/presence/internal/observability"
)

// State is the scheduler lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateScanning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateScanning:
		return "scanning"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Processor runs one recognition cycle over a captured frame.
type Processor interface {
	Process(ctx context.Context, frame []byte) error
}

// Scheduler drives the sampling loop: a ticker fires on a fixed interval and
// each tick either starts a cycle or is dropped because the previous cycle is
// still running. At most one cycle is ever in flight.
type Scheduler struct {
	source       FrameSource
	proc         Processor
	interval     time.Duration
	cycleTimeout time.Duration

	// initFn runs during Initializing, before the camera is acquired. A
	// failure is terminal: the scheduler lands in Stopped and is not retried.
	initFn func(ctx context.Context) error

	state atomic.Int32
	busy  atomic.Bool
	// inflight tracks the running cycle so teardown never releases the
	// frame source underneath it.
	inflight sync.WaitGroup

	mu      sync.Mutex
	lastErr error

	cancel context.CancelFunc
	done   chan struct{}
	stop   sync.Once
}

func NewScheduler(source FrameSource, proc Processor, interval, cycleTimeout time.Duration, initFn func(ctx context.Context) error) *Scheduler {
	s := &Scheduler{
		source:       source,
		proc:         proc,
		interval:     interval,
		cycleTimeout: cycleTimeout,
		initFn:       initFn,
		done:         make(chan struct{}),
	}
	s.state.Store(int32(StateIdle))
	return s
}

// Start transitions Idle -> Initializing -> Scanning and launches the loop.
// An initialization failure transitions straight to Stopped and returns the
// error; the caller decides whether to build a fresh scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateInitializing)) {
		return fmt.Errorf("scheduler start from state %s", s.State())
	}

	if s.initFn != nil {
		if err := s.initFn(ctx); err != nil {
			s.fail(fmt.Errorf("initialize: %w", err))
			return err
		}
	}
	if err := s.source.Acquire(ctx); err != nil {
		s.fail(fmt.Errorf("acquire frame source: %w", err))
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.Store(int32(StateScanning))
	observability.ActiveSchedulers.Inc()

	go s.run(runCtx)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		s.inflight.Wait()
		if err := s.source.Release(); err != nil {
			slog.Warn("release frame source", "error", err)
		}
		s.state.Store(int32(StateStopped))
		observability.ActiveSchedulers.Dec()
		close(s.done)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one cycle unless a previous one is still in flight, in which case
// the tick is dropped. Returns whether a cycle ran.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if State(s.state.Load()) != StateScanning {
		return false
	}
	if !s.busy.CompareAndSwap(false, true) {
		observability.TicksDropped.Inc()
		return false
	}
	s.inflight.Add(1)
	defer func() {
		s.busy.Store(false)
		s.inflight.Done()
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	frame, err := s.source.Frame(cycleCtx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("frame capture failed", "error", err)
		}
		return true
	}
	observability.FramesSampled.Inc()

	if err := s.proc.Process(cycleCtx, frame); err != nil {
		// Cancellation during shutdown is expected; the cycle's result is
		// discarded rather than surfaced.
		if ctx.Err() == nil {
			slog.Warn("recognition cycle failed", "error", err)
		}
	}
	return true
}

// Stop cancels the loop and blocks until the in-flight cycle (if any) has
// finished and the frame source is released. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stop.Do(func() {
		switch State(s.state.Load()) {
		case StateScanning:
			s.cancel()
			<-s.done
		case StateIdle:
			s.state.Store(int32(StateStopped))
			close(s.done)
		}
	})
	<-s.done
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.state.Store(int32(StateStopped))
	close(s.done)
}

// State returns the current lifecycle phase.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Err returns the terminal error, if initialization failed.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

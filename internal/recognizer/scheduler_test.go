package recognizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	mu        sync.Mutex
	acquired  bool
	released  bool
	frame     []byte
	frameErr  error
	acquireErr error
}

func (f *fakeSource) Acquire(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired = true
	return nil
}

func (f *fakeSource) Frame(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frameErr != nil {
		return nil, f.frameErr
	}
	if f.frame == nil {
		return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil
	}
	return f.frame, nil
}

func (f *fakeSource) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	return nil
}

func (f *fakeSource) wasReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeProcessor struct {
	calls   atomic.Int32
	block   chan struct{} // if set, Process waits until closed
	started chan struct{} // signaled when Process begins
}

func (p *fakeProcessor) Process(ctx context.Context, frame []byte) error {
	p.calls.Add(1)
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func newTestScheduler(source FrameSource, proc Processor) *Scheduler {
	// Interval long enough that the loop's own ticker never fires during a
	// test; ticks are driven manually.
	return NewScheduler(source, proc, time.Hour, 5*time.Second, nil)
}

func TestScheduler_StartTransitionsToScanning(t *testing.T) {
	source := &fakeSource{}
	s := newTestScheduler(source, &fakeProcessor{})

	if s.State() != StateIdle {
		t.Fatalf("expected idle before start, got %s", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if s.State() != StateScanning {
		t.Errorf("expected scanning after start, got %s", s.State())
	}
}

func TestScheduler_InitFailureIsTerminal(t *testing.T) {
	source := &fakeSource{}
	initErr := errors.New("model missing")
	s := NewScheduler(source, &fakeProcessor{}, time.Hour, 5*time.Second, func(ctx context.Context) error {
		return initErr
	})

	err := s.Start(context.Background())
	if !errors.Is(err, initErr) {
		t.Fatalf("expected init error, got %v", err)
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped after init failure, got %s", s.State())
	}
	if s.Err() == nil {
		t.Error("expected terminal error recorded")
	}
	if source.acquired {
		t.Error("camera must not be acquired when initialization fails")
	}

	// A second start must not resurrect the scheduler.
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error starting a stopped scheduler")
	}
}

func TestScheduler_AcquireFailureIsTerminal(t *testing.T) {
	source := &fakeSource{acquireErr: errors.New("device busy")}
	s := newTestScheduler(source, &fakeProcessor{})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected acquire error")
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
}

func TestScheduler_ConcurrentTicksRunOneCycle(t *testing.T) {
	source := &fakeSource{}
	proc := &fakeProcessor{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	s := newTestScheduler(source, proc)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	firstDone := make(chan bool)
	go func() {
		firstDone <- s.Tick(context.Background())
	}()

	// Wait until the first cycle is inside Process, then tick again.
	<-proc.started
	if ran := s.Tick(context.Background()); ran {
		t.Error("second tick must be dropped while a cycle is in flight")
	}

	close(proc.block)
	if ran := <-firstDone; !ran {
		t.Error("first tick should have run a cycle")
	}
	if got := proc.calls.Load(); got != 1 {
		t.Errorf("expected exactly one inference, got %d", got)
	}

	// With the cycle finished, the next tick runs again.
	if ran := s.Tick(context.Background()); !ran {
		t.Error("tick after cycle completion should run")
	}
}

func TestScheduler_TickBeforeStartDoesNothing(t *testing.T) {
	proc := &fakeProcessor{}
	s := newTestScheduler(&fakeSource{}, proc)

	if ran := s.Tick(context.Background()); ran {
		t.Error("tick before start must not run a cycle")
	}
	if proc.calls.Load() != 0 {
		t.Error("no inference expected before start")
	}
}

func TestScheduler_StopReleasesSourceAndBlocks(t *testing.T) {
	source := &fakeSource{}
	s := newTestScheduler(source, &fakeProcessor{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Stop()

	if !source.wasReleased() {
		t.Error("Stop must not return before the frame source is released")
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}

	// Stop is idempotent.
	s.Stop()
}

func TestScheduler_StopWaitsForInFlightCycle(t *testing.T) {
	source := &fakeSource{}
	proc := &fakeProcessor{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	s := newTestScheduler(source, proc)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	go s.Tick(ctx)
	<-proc.started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	// The in-flight cycle observes cancellation through its context once the
	// loop shuts down; unblock it and Stop must then complete.
	close(proc.block)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the in-flight cycle finished")
	}
	if !source.wasReleased() {
		t.Error("frame source must be released on stop")
	}
}

package recognizer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/your-org/presence/internal/config"
)

// FrameSource is an exclusively-owned frame supplier. Acquire opens the
// device, Frame returns the most recent sample, Release closes the device and
// does not return until it is fully closed, so a re-acquisition never races a
// half-open handle.
type FrameSource interface {
	Acquire(ctx context.Context) error
	Frame(ctx context.Context) ([]byte, error)
	Release() error
}

// ErrCameraBusy is returned when Acquire is called on an already-open camera.
var ErrCameraBusy = errors.New("camera already acquired")

// Camera reads MJPEG frames from a capture device through ffmpeg's
// image2pipe output and keeps only the newest frame; the sampling loop pulls
// at its own pace and intermediate frames are discarded.
type Camera struct {
	device string
	fps    int
	width  int

	mu      sync.Mutex
	cancel  context.CancelFunc
	cmd     *exec.Cmd
	done    chan struct{}
	latest  []byte
	readErr error
}

func NewCamera(cfg config.CameraConfig, frameWidth int) *Camera {
	return &Camera{
		device: cfg.Device,
		fps:    cfg.FPS,
		width:  frameWidth,
	}
}

func (c *Camera) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return ErrCameraBusy
	}

	runCtx, cancel := context.WithCancel(context.Background())

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "v4l2",
		"-framerate", fmt.Sprintf("%d", c.fps),
		"-i", c.device,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:-1", c.fps, c.width),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	}

	cmd := exec.CommandContext(runCtx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("open camera %s: %w", c.device, err)
	}

	c.cancel = cancel
	c.cmd = cmd
	c.done = make(chan struct{})
	c.latest = nil
	c.readErr = nil

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "output", scanner.Text())
		}
	}()

	go c.readLoop(runCtx, stdout)

	return nil
}

func (c *Camera) readLoop(ctx context.Context, r io.Reader) {
	defer close(c.done)

	reader := bufio.NewReaderSize(r, 512*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := readJPEGFrame(reader)
		if err != nil {
			c.mu.Lock()
			if ctx.Err() == nil {
				c.readErr = fmt.Errorf("camera read: %w", err)
			}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		c.latest = frame
		c.mu.Unlock()
	}
}

// Frame returns the newest frame, waiting briefly for the first one after
// acquisition.
func (c *Camera) Frame(ctx context.Context) ([]byte, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		frame := c.latest
		readErr := c.readErr
		open := c.cmd != nil
		c.mu.Unlock()

		if !open {
			return nil, errors.New("camera not acquired")
		}
		if readErr != nil {
			return nil, readErr
		}
		if frame != nil {
			out := make([]byte, len(frame))
			copy(out, frame)
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release terminates ffmpeg and blocks until the reader has exited and the
// process is reaped. Idempotent.
func (c *Camera) Release() error {
	c.mu.Lock()
	cmd := c.cmd
	cancel := c.cancel
	done := c.done
	c.cmd = nil
	c.cancel = nil
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}

	cancel()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	_ = cmd.Wait()

	c.mu.Lock()
	c.latest = nil
	c.mu.Unlock()
	return nil
}

// readJPEGFrame reads one JPEG from a concatenated MJPEG stream: scan to the
// FF D8 start marker, then collect until FF D9.
func readJPEGFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 0xD8 {
			break
		}
	}

	data := []byte{0xFF, 0xD8}
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}

		if len(data) > 10*1024*1024 {
			return nil, fmt.Errorf("jpeg frame too large: %d bytes", len(data))
		}
	}
}

package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

type CaptureConfig struct {
	Format         Format
	ReadTimeout    time.Duration
	StallTimeout   time.Duration
	ReopenAttempts int
	ReopenBackoff  time.Duration
}

// Capture is the frame source loop: it holds one open stream, pushes frames
// into the queue, and reopens the device when it disappears.
type Capture struct {
	opener   Opener
	cfg      CaptureConfig
	queue    *FrameQueue
	log      *slog.Logger
	warn     func(string)
	overflow rate.Sometimes
	seq      atomic.Uint64
	reopens  atomic.Uint64
	now      func() time.Time
}

func NewCapture(opener Opener, cfg CaptureConfig, queue *FrameQueue, log *slog.Logger) *Capture {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.StallTimeout < cfg.ReadTimeout {
		cfg.StallTimeout = cfg.ReadTimeout
	}
	if cfg.ReopenAttempts <= 0 {
		cfg.ReopenAttempts = 1
	}
	return &Capture{
		opener:   opener,
		cfg:      cfg,
		queue:    queue,
		log:      log.With(slog.String("component", "capture")),
		warn:     func(string) {},
		overflow: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		now:      time.Now,
	}
}

// OnWarning registers a callback for non-fatal device warnings such as a
// fallback to the default input.
func (c *Capture) OnWarning(fn func(string)) {
	if fn != nil {
		c.warn = fn
	}
}

func (c *Capture) Reopens() uint64 { return c.reopens.Load() }

// Run captures from device until ctx is cancelled. It returns nil on
// cancellation, a *DeviceError once reopening is exhausted, and any other
// error for unexpected stream failures.
func (c *Capture) Run(ctx context.Context, device string) error {
	stream, err := c.open(ctx, device)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		if stream != nil {
			if err := stream.Close(); err != nil {
				c.log.Warn("close input stream failed", slog.String("error", err.Error()))
			}
		}
	}()
	c.log.Info("capture started", slog.String("device", stream.Device()))

	lastFrame := c.now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := stream.ReadFrame(c.cfg.ReadTimeout)
		switch {
		case err == nil:
			frame.Seq = c.seq.Add(1)
			if c.queue.Push(frame) {
				c.overflow.Do(func() {
					c.log.Warn("frame queue overflow, dropping oldest frames",
						slog.Uint64("dropped_total", c.queue.Dropped()))
				})
			}
			lastFrame = c.now()
			continue
		case errors.Is(err, ErrTimeout):
			if c.now().Sub(lastFrame) < c.cfg.StallTimeout {
				continue
			}
			c.log.Warn("input stream stalled", slog.Duration("since_last_frame", c.now().Sub(lastFrame)))
		case errors.Is(err, ErrDeviceLost):
			c.log.Warn("input device lost", slog.String("device", stream.Device()))
		default:
			return fmt.Errorf("read frame: %w", err)
		}

		if err := stream.Close(); err != nil {
			c.log.Debug("close lost stream", slog.String("error", err.Error()))
		}
		stream = nil
		c.warn("input device lost, reopening")
		c.reopens.Add(1)

		stream, err = c.open(ctx, device)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.log.Info("capture resumed", slog.String("device", stream.Device()))
		lastFrame = c.now()
	}
}

func (c *Capture) open(ctx context.Context, device string) (Stream, error) {
	attempts := 0
	op := func() (Stream, error) {
		attempts++
		target := device
		if device != "" && !c.enumerates(device) {
			target = ""
			c.warn(fmt.Sprintf("input device %q not found, using system default", device))
		}
		s, err := c.opener.Open(target, c.cfg.Format)
		if err != nil {
			c.log.Warn("open input device failed",
				slog.String("device", target),
				slog.Int("attempt", attempts),
				slog.String("error", err.Error()))
			return nil, err
		}
		return s, nil
	}

	stream, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&backoff.ConstantBackOff{Interval: c.cfg.ReopenBackoff}),
		backoff.WithMaxTries(uint(c.cfg.ReopenAttempts)),
	)
	if err != nil {
		return nil, &DeviceError{Device: device, Attempts: attempts, Err: err}
	}
	return stream, nil
}

// enumerates reports whether name is a currently listed input device. An
// enumeration failure is treated as present so the open itself decides.
func (c *Capture) enumerates(name string) bool {
	devices, err := c.opener.Devices()
	if err != nil {
		return true
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return true
		}
	}
	return false
}

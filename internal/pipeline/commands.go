package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdToggle
	cmdMute
	cmdUnmute
	cmdReset
	cmdSetDevice
	cmdSetModel
	cmdConsent
	cmdStatus
)

type command struct {
	kind      commandKind
	device    string
	spec      stt.ModelSpec
	consentID string
	approve   bool
	reply     chan reply
}

type reply struct {
	state  State
	status Status
	err    error
}

func (c *Controller) do(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-c.quit:
		return reply{}, ErrClosed
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (c *Controller) exec(ctx context.Context, cmd command) (State, error) {
	r, err := c.do(ctx, cmd)
	return r.state, err
}

// Start begins capturing. It is a no-op while already capturing.
func (c *Controller) Start(ctx context.Context) (State, error) {
	return c.exec(ctx, command{kind: cmdStart})
}

// Stop force-closes the open segment and stops capturing. The segment is
// still transcribed; the pipeline reaches Idle once its final arrives.
func (c *Controller) Stop(ctx context.Context) (State, error) {
	return c.exec(ctx, command{kind: cmdStop})
}

func (c *Controller) Toggle(ctx context.Context) (State, error) {
	return c.exec(ctx, command{kind: cmdToggle})
}

func (c *Controller) Mute(ctx context.Context) (State, error) {
	return c.exec(ctx, command{kind: cmdMute})
}

func (c *Controller) Unmute(ctx context.Context) (State, error) {
	return c.exec(ctx, command{kind: cmdUnmute})
}

// Reset re-initializes capture, gate and worker and returns to Idle from
// any state.
func (c *Controller) Reset(ctx context.Context) (State, error) {
	return c.exec(ctx, command{kind: cmdReset})
}

// SetDevice selects the input device. A running capture is reopened on it.
func (c *Controller) SetDevice(ctx context.Context, device string) (State, error) {
	return c.exec(ctx, command{kind: cmdSetDevice, device: device})
}

// SetModelSpec changes the model used for subsequent utterances. Nothing is
// loaded until the next utterance needs it.
func (c *Controller) SetModelSpec(ctx context.Context, spec stt.ModelSpec) (State, error) {
	return c.exec(ctx, command{kind: cmdSetModel, spec: spec})
}

func (c *Controller) RespondConsent(ctx context.Context, id string, approve bool) (State, error) {
	return c.exec(ctx, command{kind: cmdConsent, consentID: id, approve: approve})
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	r, err := c.do(ctx, command{kind: cmdStatus})
	return r.status, err
}

func (c *Controller) handleCommand(cmd command) {
	var err error
	switch cmd.kind {
	case cmdStart:
		err = c.start()
	case cmdStop:
		err = c.stop()
	case cmdToggle:
		if c.wantsCapture() {
			err = c.stop()
		} else {
			err = c.start()
		}
	case cmdMute:
		err = c.mute()
	case cmdUnmute:
		if c.state == Muted {
			c.transition(Idle)
		}
	case cmdReset:
		c.reset()
	case cmdSetDevice:
		c.setDevice(cmd.device)
	case cmdSetModel:
		c.spec = cmd.spec.WithDefaults(c.cfg.Model)
		c.log.Info("model spec changed", slog.String("model", c.spec.String()))
	case cmdConsent:
		err = c.respondConsent(cmd.consentID, cmd.approve)
	case cmdStatus:
	}
	cmd.reply <- reply{state: c.state, status: c.status(), err: err}
}

func (c *Controller) start() error {
	switch c.state {
	case Muted:
		return ErrMuted
	case Error:
		return ErrFailed
	case Listening:
		return nil
	case Processing:
		if c.stopRequested {
			c.stopRequested = false
			c.gate.Reset()
			c.startCapture()
		}
		return nil
	}
	c.session = uuid.NewString()
	c.gate.Reset()
	c.startCapture()
	c.transition(Listening)
	return nil
}

func (c *Controller) stop() error {
	if !c.wantsCapture() {
		return nil
	}
	c.flushCapture()
	if c.state == Listening || c.gate.Open() {
		c.submit(c.gate.ForceClose(time.Now()))
	}
	c.stopRequested = true
	// a dropped submission leaves nothing to wait for
	if c.state == Listening {
		c.stopRequested = false
		c.transition(Idle)
		return nil
	}
	c.settle()
	return nil
}

func (c *Controller) mute() error {
	switch c.state {
	case Idle, Listening:
		c.stopCapture()
		c.gate.Reset()
		c.transition(Muted)
		c.session = ""
		return nil
	case Muted:
		return nil
	case Error:
		return ErrFailed
	default:
		return ErrInvalidTransition
	}
}

func (c *Controller) reset() {
	c.epoch++
	c.stopCapture()
	c.stopWorker()
	c.denyConsents()
	clear(c.pending)
	c.jobs = make(chan stt.Job, c.cfg.Backlog)
	c.gate.Reset()
	c.stopRequested = false
	c.transition(Idle)
	c.session = ""
	c.spawnWorker()
	c.log.Info("pipeline reset")
}

func (c *Controller) setDevice(device string) {
	c.device = device
	c.log.Info("input device changed", slog.String("device", device))
	if c.capture != nil {
		c.stopCapture()
		c.startCapture()
	}
}

func (c *Controller) respondConsent(id string, approve bool) error {
	ask, ok := c.consents[id]
	if !ok {
		return ErrUnknownConsent
	}
	delete(c.consents, id)
	ask.reply <- approve
	return nil
}

func (c *Controller) status() Status {
	return Status{
		State:           c.state,
		SessionID:       c.session,
		Device:          c.device,
		Model:           c.spec,
		Capturing:       c.capture != nil,
		StopRequested:   c.stopRequested,
		Pending:         len(c.pending),
		PendingConsents: len(c.consents),
		FramesProcessed: c.frames.Load(),
		DroppedFrames:   c.DroppedFrames(),
		Fallbacks:       c.fallbacks.Load(),
		Restarts:        c.Restarts(),
	}
}

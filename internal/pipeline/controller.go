// Package pipeline hosts the dictation state machine. A single goroutine
// owns the pipeline state, the speech gate and the set of in-flight
// utterances; capture and transcription run in their own goroutines and talk
// to it only through channels.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/loqalabs/loqa-dictate/internal/vad"
	"github.com/loqalabs/loqa-dictate/internal/watchdog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Config struct {
	Capture         audio.CaptureConfig
	Gate            vad.GateConfig
	QueueFrames     int
	Backlog         int
	Device          string
	Model           stt.ModelSpec
	WatchdogBackoff time.Duration
}

type Option func(*Controller)

// WithConsentPolicy answers download questions without asking anyone.
func WithConsentPolicy(policy stt.Consent) Option {
	return func(c *Controller) { c.broker.policy = policy }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

type Status struct {
	State           State          `json:"state"`
	SessionID       string         `json:"session_id,omitempty"`
	Device          string         `json:"device"`
	Model           stt.ModelSpec  `json:"model"`
	Capturing       bool           `json:"capturing"`
	StopRequested   bool           `json:"stop_requested"`
	Pending         int            `json:"pending_utterances"`
	PendingConsents int            `json:"pending_consents"`
	FramesProcessed uint64         `json:"frames_processed"`
	DroppedFrames   uint64         `json:"dropped_frames"`
	Fallbacks       uint64         `json:"vad_fallbacks"`
	Restarts        map[string]int `json:"restarts"`
}

type utterance struct {
	id          uint64
	session     string
	submittedAt time.Time
	frames      int
	dropped     int
}

type captureRun struct {
	handle  watchdog.Handle
	queue   *audio.FrameQueue
	capture *audio.Capture
	cancel  context.CancelFunc
}

type workerRun struct {
	handle watchdog.Handle
	cancel context.CancelFunc
}

// messages posted to the controller loop by its helper goroutines
type (
	captureExited struct {
		handle string
		err    error
	}
	workerExited struct {
		handle    string
		err       error
		utterance uint64
	}
	restartDue struct {
		target watchdog.Component
		epoch  uint64
	}
	deviceWarning struct {
		message string
	}
)

type Controller struct {
	cfg      Config
	opener   audio.Opener
	backend  stt.Backend
	sink     Sink
	log      *slog.Logger
	metrics  *Metrics
	watchdog *watchdog.Watchdog
	broker   *consentBroker

	commands chan command
	internal chan any
	results  chan stt.Result
	quit     chan struct{}
	started  atomic.Bool
	running  atomic.Bool
	wg       sync.WaitGroup

	// owned by the Run goroutine
	runCtx        context.Context
	state         State
	gate          *vad.Gate
	device        string
	spec          stt.ModelSpec
	session       string
	stopRequested bool
	capture       *captureRun
	worker        *workerRun
	jobs          chan stt.Job
	pending       map[uint64]*utterance
	lastUtterance uint64
	consents      map[string]consentAsk
	epoch         uint64

	// readable from any goroutine
	stateView   atomic.Int32
	frames      atomic.Uint64
	droppedBase atomic.Uint64
	queueView   atomic.Pointer[audio.FrameQueue]
	fallbacks   atomic.Uint64
}

func New(cfg Config, opener audio.Opener, classifier vad.Classifier, backend stt.Backend, sink Sink, log *slog.Logger, opts ...Option) *Controller {
	if cfg.Backlog <= 0 {
		cfg.Backlog = 8
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 250
	}
	if cfg.WatchdogBackoff <= 0 {
		cfg.WatchdogBackoff = time.Second
	}
	if sink == nil {
		sink = MultiSink{}
	}
	log = log.With(slog.String("component", "pipeline"))
	c := &Controller{
		cfg:      cfg,
		opener:   opener,
		backend:  backend,
		sink:     sink,
		log:      log,
		metrics:  noopMetrics(),
		watchdog: watchdog.New(cfg.WatchdogBackoff, log),
		commands: make(chan command),
		internal: make(chan any, 64),
		results:  make(chan stt.Result, 64),
		quit:     make(chan struct{}),
		gate:     vad.NewGate(cfg.Gate, classifier, log),
		device:   cfg.Device,
		spec:     cfg.Model,
		pending:  make(map[uint64]*utterance),
		consents: make(map[string]consentAsk),
	}
	c.broker = &consentBroker{c: c}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State is safe to call from any goroutine.
func (c *Controller) State() State { return State(c.stateView.Load()) }

// Running reports whether the controller loop is accepting commands.
func (c *Controller) Running() bool { return c.running.Load() }

// DroppedFrames is the total number of frames lost to queue overflow.
func (c *Controller) DroppedFrames() uint64 {
	n := c.droppedBase.Load()
	if q := c.queueView.Load(); q != nil {
		n += q.Dropped()
	}
	return n
}

func (c *Controller) Restarts() map[string]int {
	return map[string]int{
		string(watchdog.Capture):     c.watchdog.Restarts(watchdog.Capture),
		string(watchdog.Transcriber): c.watchdog.Restarts(watchdog.Transcriber),
	}
}

// Run drives the state machine until ctx is cancelled. It may be called
// only once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("pipeline: controller already started")
	}
	c.runCtx = ctx
	c.jobs = make(chan stt.Job, c.cfg.Backlog)
	c.spawnWorker()
	c.running.Store(true)
	c.log.Info("pipeline ready", slog.String("backend", c.backend.Name()), slog.String("model", c.spec.String()))

	defer c.shutdown()
	for {
		var frames <-chan audio.Frame
		if c.capture != nil {
			frames = c.capture.queue.C()
		}
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.commands:
			c.handleCommand(cmd)
		case f := <-frames:
			c.handleFrame(f)
		case r := <-c.results:
			c.handleResult(r)
		case m := <-c.internal:
			c.handleInternal(m)
		}
	}
}

func (c *Controller) shutdown() {
	c.running.Store(false)
	close(c.quit)
	c.stopCapture()
	c.stopWorker()
	c.denyConsents()
	c.wg.Wait()
	c.log.Info("pipeline stopped")
}

// post hands a message to the loop from a helper goroutine.
func (c *Controller) post(m any) {
	select {
	case c.internal <- m:
	case <-c.quit:
	}
}

func (c *Controller) handleFrame(f audio.Frame) {
	c.frames.Add(1)
	ev := c.gate.Feed(f)
	c.fallbacks.Store(c.gate.Fallbacks())
	switch ev.Kind {
	case vad.SegmentReady:
		c.submit(ev.Segment)
	case vad.SegmentAborted:
		c.metrics.SegmentsAborted.Add(context.Background(), 1)
		c.log.Debug("segment aborted", slog.Duration("speech", ev.Segment.SpeechDuration()))
	}
}

// submit hands a closed segment to the worker without blocking.
func (c *Controller) submit(seg *vad.Segment) {
	c.lastUtterance++
	id := c.lastUtterance
	job := stt.Job{
		UtteranceID: id,
		SessionID:   c.session,
		Spec:        c.spec,
		Samples:     seg.Samples(),
		SampleRate:  c.cfg.Gate.SampleRate,
	}
	select {
	case c.jobs <- job:
	default:
		c.log.Warn("transcription backlog full, dropping utterance", slog.Uint64("utterance_id", id))
		c.emitError(&PipelineError{
			Kind:        KindBacklog,
			UtteranceID: id,
			Err:         fmt.Errorf("%d utterances already waiting", cap(c.jobs)),
		})
		return
	}
	c.pending[id] = &utterance{
		id:          id,
		session:     c.session,
		submittedAt: time.Now(),
		frames:      len(seg.Frames),
		dropped:     seg.DroppedFrames,
	}
	c.log.Info("segment submitted",
		slog.Uint64("utterance_id", id),
		slog.Int("frames", len(seg.Frames)),
		slog.Int("dropped_frames", seg.DroppedFrames),
		slog.Duration("duration", seg.Duration()),
		slog.Bool("forced", seg.Forced))
	if c.state == Listening {
		c.transition(Processing)
	}
}

func (c *Controller) handleResult(r stt.Result) {
	u, ok := c.pending[r.UtteranceID]
	if !ok || c.state == Idle || c.state == Muted || c.state == Error {
		c.metrics.DiscardedResults.Add(context.Background(), 1)
		c.log.Debug("discarding result", slog.Uint64("utterance_id", r.UtteranceID), slog.String("state", c.state.String()))
		return
	}

	switch r.Kind {
	case stt.ResultPartial:
		c.sink.Emit(Event{Kind: EventPartial, At: r.EmittedAt, SessionID: u.session, UtteranceID: u.id, Text: r.Text})
		return
	case stt.ResultWarning:
		c.emitError(&PipelineError{Kind: KindLoad, UtteranceID: u.id, Err: r.Err})
		return
	case stt.ResultFinal:
		delete(c.pending, u.id)
		latency := time.Since(u.submittedAt)
		c.metrics.TranscriptionDuration.Record(context.Background(), latency.Seconds())
		c.metrics.Utterances.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "final")))
		c.log.Info("utterance transcribed",
			slog.Uint64("utterance_id", u.id),
			slog.Duration("latency", latency),
			slog.Int("frames", u.frames),
			slog.Int("dropped_frames", u.dropped),
			slog.Int("chars", len(r.Text)))
		c.sink.Emit(Event{Kind: EventFinal, At: r.EmittedAt, SessionID: u.session, UtteranceID: u.id, Text: r.Text, Latency: latency})
	case stt.ResultFailed:
		delete(c.pending, u.id)
		c.metrics.Utterances.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		var loadErr *stt.LoadError
		switch {
		case errors.Is(r.Err, stt.ErrConsentDenied):
			c.emitError(&PipelineError{Kind: KindConsentDenied, UtteranceID: u.id, Err: r.Err})
		case r.Fatal && errors.As(r.Err, &loadErr):
			c.fail(KindLoad, r.Err)
			return
		default:
			c.emitError(&PipelineError{Kind: KindTranscription, UtteranceID: u.id, Err: r.Err})
		}
	}
	c.settle()
}

// settle leaves Processing once nothing is in flight.
func (c *Controller) settle() {
	if c.state != Processing || len(c.pending) > 0 {
		return
	}
	if c.stopRequested {
		c.stopRequested = false
		c.transition(Idle)
		c.session = ""
		return
	}
	c.transition(Listening)
}

func (c *Controller) handleInternal(m any) {
	switch m := m.(type) {
	case captureExited:
		c.onCaptureExit(m)
	case workerExited:
		c.onWorkerExit(m)
	case restartDue:
		c.onRestartDue(m)
	case deviceWarning:
		c.log.Warn("device warning", slog.String("message", m.message))
		c.sink.Emit(Event{Kind: EventDeviceWarning, At: time.Now(), SessionID: c.session, Message: m.message})
	case consentAsk:
		c.onConsentAsk(m)
	case downloadProgress:
		c.sink.Emit(Event{Kind: EventDownloadProgress, At: time.Now(), Spec: m.spec, Fraction: m.fraction})
	}
}

func (c *Controller) onCaptureExit(m captureExited) {
	if c.capture == nil || c.capture.handle.ID != m.handle {
		return
	}
	c.retireQueue(c.capture.queue)
	c.capture = nil

	var devErr *audio.DeviceError
	if errors.As(m.err, &devErr) {
		c.watchdog.Retire(watchdog.Capture, m.handle)
		c.fail(KindDevice, m.err)
		return
	}
	switch c.watchdog.Failed(watchdog.Capture, m.handle, m.err) {
	case watchdog.Restart:
		c.scheduleRestart(watchdog.Capture)
	case watchdog.Exhausted:
		c.fail(KindWatchdog, &watchdog.ExhaustedError{Component: watchdog.Capture, Err: m.err})
	}
}

func (c *Controller) onWorkerExit(m workerExited) {
	if c.worker == nil || c.worker.handle.ID != m.handle {
		return
	}
	c.worker = nil

	decision := c.watchdog.Failed(watchdog.Transcriber, m.handle, m.err)
	if decision == watchdog.Exhausted {
		c.fail(KindWatchdog, &watchdog.ExhaustedError{Component: watchdog.Transcriber, Err: m.err})
		return
	}
	if u, ok := c.pending[m.utterance]; ok {
		delete(c.pending, u.id)
		c.metrics.Utterances.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		c.emitError(&PipelineError{
			Kind:        KindTranscription,
			UtteranceID: u.id,
			Err:         &stt.TranscriptionError{UtteranceID: u.id, Err: m.err},
		})
	}
	if decision == watchdog.Restart {
		c.scheduleRestart(watchdog.Transcriber)
	}
	c.settle()
}

func (c *Controller) scheduleRestart(target watchdog.Component) {
	epoch := c.epoch
	c.watchdog.After(func() { c.post(restartDue{target: target, epoch: epoch}) })
}

func (c *Controller) onRestartDue(m restartDue) {
	if m.epoch != c.epoch || c.state == Error {
		return
	}
	switch m.target {
	case watchdog.Capture:
		if c.capture == nil && c.wantsCapture() {
			c.log.Info("restarting capture")
			c.startCapture()
		}
	case watchdog.Transcriber:
		if c.worker == nil {
			c.log.Info("restarting transcription worker")
			c.spawnWorker()
		}
	}
}

func (c *Controller) wantsCapture() bool {
	return c.state == Listening || (c.state == Processing && !c.stopRequested)
}

func (c *Controller) onConsentAsk(ask consentAsk) {
	id := uuid.NewString()
	c.consents[id] = ask
	req := &ConsentRequest{
		ID:          id,
		Spec:        ask.spec,
		Description: stt.DescribeDownload(ask.spec),
		ApproxBytes: stt.ApproxDownloadBytes(ask.spec.Size),
	}
	c.log.Info("model download needs consent", slog.String("consent_id", id), slog.String("model", ask.spec.String()))
	c.sink.Emit(Event{Kind: EventConsentRequested, At: time.Now(), SessionID: c.session, Consent: req, Spec: ask.spec})
}

func (c *Controller) denyConsents() {
	for id, ask := range c.consents {
		ask.reply <- false
		delete(c.consents, id)
	}
}

// fail moves the pipeline into Error and reports the cause exactly once.
func (c *Controller) fail(kind ErrorKind, err error) {
	if c.state == Error {
		return
	}
	c.stopCapture()
	c.stopRequested = false
	clear(c.pending)
	c.transition(Error)
	c.emitError(&PipelineError{Kind: kind, Fatal: true, Err: err})
}

func (c *Controller) emitError(e *PipelineError) {
	c.metrics.Errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(e.Kind))))
	level := slog.LevelWarn
	if e.Fatal {
		level = slog.LevelError
	}
	c.log.Log(context.Background(), level, "pipeline error",
		slog.String("kind", string(e.Kind)),
		slog.Uint64("utterance_id", e.UtteranceID),
		slog.String("error", e.Err.Error()))
	c.sink.Emit(Event{Kind: EventError, At: time.Now(), SessionID: c.session, UtteranceID: e.UtteranceID, Err: e})
}

func (c *Controller) transition(to State) bool {
	from := c.state
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		c.log.Error("refusing invalid transition", slog.String("from", from.String()), slog.String("to", to.String()))
		return false
	}
	c.state = to
	c.stateView.Store(int32(to))
	c.metrics.Transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("to", to.String())))
	c.log.Info("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	c.sink.Emit(Event{Kind: EventStateChanged, At: time.Now(), SessionID: c.session, State: to, Previous: from})
	return true
}

func (c *Controller) startCapture() {
	handle := c.watchdog.Spawn(watchdog.Capture)
	queue := audio.NewFrameQueue(c.cfg.QueueFrames)
	capture := audio.NewCapture(c.opener, c.cfg.Capture, queue, c.log)
	capture.OnWarning(func(msg string) { c.post(deviceWarning{message: msg}) })
	ctx, cancel := context.WithCancel(c.runCtx)
	c.capture = &captureRun{handle: handle, queue: queue, capture: capture, cancel: cancel}
	c.queueView.Store(queue)

	device := c.device
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := guard(func() error { return capture.Run(ctx, device) })
		if err == nil && ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("capture loop returned unexpectedly")
		}
		c.post(captureExited{handle: handle.ID, err: err})
	}()
}

// stopCapture cancels the capture goroutine. The stream is closed by the
// goroutine itself on its way out.
func (c *Controller) stopCapture() {
	if c.capture == nil {
		return
	}
	c.capture.cancel()
	c.watchdog.Retire(watchdog.Capture, c.capture.handle.ID)
	c.retireQueue(c.capture.queue)
	c.capture = nil
}

// flushCapture stops capturing and feeds the frames already queued to the
// gate, so audio recorded before a stop still reaches the segment.
func (c *Controller) flushCapture() {
	if c.capture == nil {
		return
	}
	queue := c.capture.queue
	c.stopCapture()
	for _, f := range queue.Drain() {
		c.handleFrame(f)
	}
}

func (c *Controller) retireQueue(q *audio.FrameQueue) {
	if c.queueView.CompareAndSwap(q, nil) {
		c.droppedBase.Add(q.Dropped())
	}
}

func (c *Controller) spawnWorker() {
	handle := c.watchdog.Spawn(watchdog.Transcriber)
	worker := stt.NewWorker(c.backend, c.broker, c.log)
	ctx, cancel := context.WithCancel(c.runCtx)
	c.worker = &workerRun{handle: handle, cancel: cancel}

	jobs := c.jobs
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := guard(func() error { return worker.Run(ctx, jobs, c.results) })
		inFlight, _ := worker.InFlight()
		worker.Close()
		if err == nil && ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("transcription worker returned unexpectedly")
		}
		c.post(workerExited{handle: handle.ID, err: err, utterance: inFlight})
	}()
}

func (c *Controller) stopWorker() {
	if c.worker == nil {
		return
	}
	c.worker.cancel()
	c.watchdog.Retire(watchdog.Transcriber, c.worker.handle.ID)
	c.worker = nil
}

// guard converts a panic in fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

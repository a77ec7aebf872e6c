package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Job is one closed segment queued for transcription.
type Job struct {
	UtteranceID uint64
	SessionID   string
	Spec        ModelSpec
	Samples     []int16
	SampleRate  int
}

type ResultKind int

const (
	ResultPartial ResultKind = iota
	ResultFinal
	// ResultFailed ends an utterance without a transcript.
	ResultFailed
	// ResultWarning reports a problem that did not end the utterance, such
	// as a failed model switch that fell back to the previous model.
	ResultWarning
)

type Result struct {
	Kind        ResultKind
	UtteranceID uint64
	SessionID   string
	Text        string
	EmittedAt   time.Time
	Latency     time.Duration
	Err         error
	// Fatal marks a load failure with no usable model left.
	Fatal bool
}

// Worker serially transcribes jobs. All of its state is owned by the
// goroutine running Run.
type Worker struct {
	backend  Backend
	consent  Consent
	log      *slog.Logger
	tracer   trace.Tracer
	models   *lru.Cache[ModelSpec, Model]
	approved map[ModelSpec]bool
	denied   map[ModelSpec]bool
	lastEmit time.Time
	clock    func() time.Time

	loads    atomic.Int64
	inFlight atomic.Uint64
}

func NewWorker(backend Backend, consent Consent, log *slog.Logger) *Worker {
	log = log.With(slog.String("component", "stt-worker"), slog.String("backend", backend.Name()))
	models, _ := lru.NewWithEvict[ModelSpec, Model](1, func(spec ModelSpec, m Model) {
		if err := m.Close(); err != nil {
			log.Warn("release model failed", slog.String("model", spec.String()), slog.String("error", err.Error()))
			return
		}
		log.Info("model released", slog.String("model", spec.String()))
	})
	return &Worker{
		backend:  backend,
		consent:  consent,
		log:      log,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-dictate/stt"),
		models:   models,
		approved: make(map[ModelSpec]bool),
		denied:   make(map[ModelSpec]bool),
		clock:    time.Now,
	}
}

// Loads is the number of successful model loads.
func (w *Worker) Loads() int64 { return w.loads.Load() }

// InFlight returns the utterance currently being transcribed.
func (w *Worker) InFlight() (uint64, bool) {
	id := w.inFlight.Load()
	return id, id != 0
}

// Run consumes jobs until ctx is done or jobs is closed.
func (w *Worker) Run(ctx context.Context, jobs <-chan Job, results chan<- Result) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			w.inFlight.Store(job.UtteranceID)
			w.process(ctx, job, results)
			w.inFlight.Store(0)
		}
	}
}

// Close releases the loaded model.
func (w *Worker) Close() {
	w.models.Purge()
}

func (w *Worker) process(ctx context.Context, job Job, results chan<- Result) {
	ctx, span := w.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.Int64("utterance.id", int64(job.UtteranceID)),
		attribute.String("model.size", job.Spec.Size),
		attribute.Int("samples", len(job.Samples)),
	))
	defer span.End()
	started := w.clock()

	base := Result{UtteranceID: job.UtteranceID, SessionID: job.SessionID}
	if len(job.Samples) == 0 {
		final := base
		final.Kind = ResultFinal
		w.emit(ctx, results, final)
		return
	}

	model, err := w.model(ctx, job.Spec)
	if err != nil {
		span.RecordError(err)
		var loadErr *LoadError
		if model != nil && errors.As(err, &loadErr) {
			warn := base
			warn.Kind = ResultWarning
			warn.Err = err
			w.emit(ctx, results, warn)
		} else {
			span.SetStatus(codes.Error, "model unavailable")
			failed := base
			failed.Kind = ResultFailed
			failed.Err = err
			failed.Fatal = errors.As(err, &loadErr)
			w.emit(ctx, results, failed)
			return
		}
	}

	var last string
	req := Request{
		UtteranceID: job.UtteranceID,
		Samples:     job.Samples,
		SampleRate:  job.SampleRate,
		Language:    job.Spec.Language,
	}
	text, err := model.Transcribe(ctx, req, func(partial string) {
		partial = strings.TrimSpace(partial)
		if partial == "" || partial == last {
			return
		}
		last = partial
		p := base
		p.Kind = ResultPartial
		p.Text = partial
		w.emit(ctx, results, p)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		w.log.Warn("transcription failed", slog.Uint64("utterance_id", job.UtteranceID), slog.String("error", err.Error()))
		failed := base
		failed.Kind = ResultFailed
		failed.Err = &TranscriptionError{UtteranceID: job.UtteranceID, Err: err}
		failed.Latency = w.clock().Sub(started)
		w.emit(ctx, results, failed)
		return
	}

	final := base
	final.Kind = ResultFinal
	final.Text = strings.TrimSpace(text)
	final.Latency = w.clock().Sub(started)
	w.emit(ctx, results, final)
}

// model returns the memoized model for spec, loading it on first use. When
// a load fails but an earlier model is still held, that model is returned
// together with the *LoadError.
func (w *Worker) model(ctx context.Context, spec ModelSpec) (Model, error) {
	if m, ok := w.models.Get(spec); ok {
		return m, nil
	}
	if w.denied[spec] {
		return nil, fmt.Errorf("%w: %s", ErrConsentDenied, spec)
	}

	downloading := true
	if loc, ok := w.backend.(Locator); ok && loc.Cached(spec) {
		downloading = false
	}
	if downloading && !w.approved[spec] {
		ok, err := w.consent.ConfirmDownload(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("confirm download: %w", err)
		}
		if !ok {
			w.denied[spec] = true
			w.log.Info("model download declined", slog.String("model", spec.String()))
			return nil, fmt.Errorf("%w: %s", ErrConsentDenied, spec)
		}
		w.approved[spec] = true
	}

	progress := func(float64) {}
	if downloading {
		progress = func(f float64) { w.consent.ReportDownloadProgress(spec, f) }
		progress(0)
	}

	started := w.clock()
	m, err := w.backend.Load(ctx, spec, progress)
	if err != nil {
		if downloading {
			progress(-1)
		}
		loadErr := &LoadError{Spec: spec, Err: err}
		w.log.Error("model load failed", slog.String("model", spec.String()), slog.String("error", err.Error()))
		if prev := w.previous(); prev != nil {
			return prev, loadErr
		}
		return nil, loadErr
	}
	if downloading {
		progress(1)
	}

	w.models.Add(spec, m)
	w.loads.Add(1)
	w.log.Info("model loaded", slog.String("model", spec.String()), slog.Duration("took", w.clock().Sub(started)))
	return m, nil
}

func (w *Worker) previous() Model {
	for _, spec := range w.models.Keys() {
		if m, ok := w.models.Peek(spec); ok {
			return m
		}
	}
	return nil
}

// emit stamps r with a strictly increasing time and delivers it.
func (w *Worker) emit(ctx context.Context, results chan<- Result, r Result) {
	now := w.clock()
	if !now.After(w.lastEmit) {
		now = w.lastEmit.Add(time.Nanosecond)
	}
	w.lastEmit = now
	r.EmittedAt = now
	select {
	case results <- r:
	case <-ctx.Done():
	}
}

package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeModel struct {
	spec     ModelSpec
	partials []string
	text     string
	err      error
	closed   atomic.Bool
}

func (m *fakeModel) Transcribe(_ context.Context, _ Request, partial func(string)) (string, error) {
	for _, p := range m.partials {
		partial(p)
	}
	if m.err != nil {
		return "", m.err
	}
	return m.text, nil
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	cached   bool
	failSize map[string]error
	loads    []ModelSpec
	models   []*fakeModel
	template fakeModel
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Cached(ModelSpec) bool { return b.cached }

func (b *fakeBackend) Load(_ context.Context, spec ModelSpec, _ func(float64)) (Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failSize[spec.Size]; err != nil {
		return nil, err
	}
	b.loads = append(b.loads, spec)
	m := &fakeModel{spec: spec, partials: b.template.partials, text: b.template.text, err: b.template.err}
	if m.text == "" && m.err == nil {
		m.text = "hello from " + spec.Size
	}
	b.models = append(b.models, m)
	return m, nil
}

func (b *fakeBackend) loadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.loads)
}

type fakeConsent struct {
	mu       sync.Mutex
	approve  bool
	asks     int
	progress []float64
}

func (c *fakeConsent) ConfirmDownload(context.Context, ModelSpec) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asks++
	return c.approve, nil
}

func (c *fakeConsent) ReportDownloadProgress(_ ModelSpec, f float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = append(c.progress, f)
}

type workerHarness struct {
	jobs    chan Job
	results chan Result
}

func startWorker(t *testing.T, w *Worker) *workerHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &workerHarness{jobs: make(chan Job, 4), results: make(chan Result, 32)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, h.jobs, h.results)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})
	return h
}

// submit queues a job and collects results until the utterance ends.
func (h *workerHarness) submit(t *testing.T, job Job) []Result {
	t.Helper()
	h.jobs <- job
	var out []Result
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r := <-h.results:
			out = append(out, r)
			if r.Kind == ResultFinal || r.Kind == ResultFailed {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for utterance %d, got %+v", job.UtteranceID, out)
		}
	}
}

func job(id uint64, size string) Job {
	return Job{
		UtteranceID: id,
		SessionID:   "s1",
		Spec:        ModelSpec{Size: size, Language: "en"},
		Samples:     make([]int16, 1600),
		SampleRate:  16000,
	}
}

func TestWorkerLoadsLazilyAndMemoizes(t *testing.T) {
	backend := &fakeBackend{cached: true}
	w := NewWorker(backend, &fakeConsent{}, newLogger())
	h := startWorker(t, w)

	if backend.loadCount() != 0 {
		t.Fatalf("expected no load before first utterance")
	}
	h.submit(t, job(1, "small"))
	h.submit(t, job(2, "small"))

	if backend.loadCount() != 1 {
		t.Fatalf("expected exactly one load, got %d", backend.loadCount())
	}
	if backend.loads[0].Size != "small" {
		t.Fatalf("expected small to be loaded, got %s", backend.loads[0].Size)
	}
	if w.Loads() != 1 {
		t.Fatalf("expected Loads()=1, got %d", w.Loads())
	}
}

func TestWorkerSwitchReleasesPreviousModel(t *testing.T) {
	backend := &fakeBackend{cached: true}
	w := NewWorker(backend, &fakeConsent{}, newLogger())
	h := startWorker(t, w)

	h.submit(t, job(1, "base"))
	res := h.submit(t, job(2, "small"))

	if got := res[len(res)-1]; got.Kind != ResultFinal || got.Text != "hello from small" {
		t.Fatalf("expected final from small model, got %+v", got)
	}
	if !backend.models[0].closed.Load() {
		t.Fatalf("expected base model to be released")
	}
	if backend.models[1].closed.Load() {
		t.Fatalf("expected small model to stay loaded")
	}
}

func TestWorkerConsentDeniedIsRemembered(t *testing.T) {
	backend := &fakeBackend{cached: false}
	consent := &fakeConsent{approve: false}
	w := NewWorker(backend, consent, newLogger())
	h := startWorker(t, w)

	for id := uint64(1); id <= 2; id++ {
		res := h.submit(t, job(id, "medium"))
		last := res[len(res)-1]
		if last.Kind != ResultFailed || !errors.Is(last.Err, ErrConsentDenied) {
			t.Fatalf("expected consent denied failure, got %+v", last)
		}
		if last.Fatal {
			t.Fatalf("consent denial must not be fatal")
		}
	}
	if consent.asks != 1 {
		t.Fatalf("expected a single consent prompt, got %d", consent.asks)
	}
	if backend.loadCount() != 0 {
		t.Fatalf("expected no load after denial")
	}
}

func TestWorkerSkipsConsentForCachedModels(t *testing.T) {
	backend := &fakeBackend{cached: true}
	consent := &fakeConsent{}
	w := NewWorker(backend, consent, newLogger())
	h := startWorker(t, w)

	h.submit(t, job(1, "base"))
	if consent.asks != 0 || len(consent.progress) != 0 {
		t.Fatalf("expected no consent traffic for cached model, asks=%d progress=%v", consent.asks, consent.progress)
	}
}

func TestWorkerReportsDownloadProgress(t *testing.T) {
	backend := &fakeBackend{cached: false, failSize: map[string]error{"large": errors.New("disk full")}}
	consent := &fakeConsent{approve: true}
	w := NewWorker(backend, consent, newLogger())
	h := startWorker(t, w)

	h.submit(t, job(1, "base"))
	if len(consent.progress) != 2 || consent.progress[0] != 0 || consent.progress[1] != 1 {
		t.Fatalf("expected progress [0 1], got %v", consent.progress)
	}

	consent.progress = nil
	h.submit(t, job(2, "large"))
	if len(consent.progress) != 2 || consent.progress[0] != 0 || consent.progress[1] != -1 {
		t.Fatalf("expected progress [0 -1], got %v", consent.progress)
	}
}

func TestWorkerEmptyJobYieldsEmptyFinal(t *testing.T) {
	backend := &fakeBackend{cached: true}
	w := NewWorker(backend, &fakeConsent{}, newLogger())
	h := startWorker(t, w)

	empty := job(7, "base")
	empty.Samples = nil
	res := h.submit(t, empty)
	if len(res) != 1 || res[0].Kind != ResultFinal || res[0].Text != "" || res[0].UtteranceID != 7 {
		t.Fatalf("expected single empty final, got %+v", res)
	}
	if backend.loadCount() != 0 {
		t.Fatalf("empty utterance must not load a model")
	}
}

func TestWorkerOrdersPartialsBeforeFinal(t *testing.T) {
	backend := &fakeBackend{cached: true, template: fakeModel{partials: []string{"one", "one", "one two"}, text: " one two three "}}
	w := NewWorker(backend, &fakeConsent{}, newLogger())
	fixed := time.Unix(1700000000, 0)
	w.clock = func() time.Time { return fixed }
	h := startWorker(t, w)

	res := h.submit(t, job(1, "base"))
	if len(res) != 3 {
		t.Fatalf("expected 2 partials and a final, got %+v", res)
	}
	if res[0].Kind != ResultPartial || res[0].Text != "one" || res[1].Text != "one two" {
		t.Fatalf("unexpected partials: %+v", res[:2])
	}
	if res[2].Kind != ResultFinal || res[2].Text != "one two three" {
		t.Fatalf("unexpected final: %+v", res[2])
	}
	for i := 1; i < len(res); i++ {
		if !res[i].EmittedAt.After(res[i-1].EmittedAt) {
			t.Fatalf("expected strictly increasing emit times at %d", i)
		}
	}
}

func TestWorkerTranscriptionError(t *testing.T) {
	backend := &fakeBackend{cached: true, template: fakeModel{err: errors.New("decoder blew up")}}
	w := NewWorker(backend, &fakeConsent{}, newLogger())
	h := startWorker(t, w)

	res := h.submit(t, job(3, "base"))
	last := res[len(res)-1]
	var terr *TranscriptionError
	if last.Kind != ResultFailed || !errors.As(last.Err, &terr) || terr.UtteranceID != 3 {
		t.Fatalf("expected transcription error for utterance 3, got %+v", last)
	}
}

func TestWorkerFallsBackToPreviousModel(t *testing.T) {
	backend := &fakeBackend{cached: true, failSize: map[string]error{"large": errors.New("out of memory")}}
	w := NewWorker(backend, &fakeConsent{}, newLogger())
	h := startWorker(t, w)

	h.submit(t, job(1, "base"))
	res := h.submit(t, job(2, "large"))
	if len(res) != 2 {
		t.Fatalf("expected warning and final, got %+v", res)
	}
	var loadErr *LoadError
	if res[0].Kind != ResultWarning || !errors.As(res[0].Err, &loadErr) || loadErr.Spec.Size != "large" {
		t.Fatalf("expected load warning, got %+v", res[0])
	}
	if res[1].Kind != ResultFinal || res[1].Text != "hello from base" {
		t.Fatalf("expected final from previous model, got %+v", res[1])
	}
}

func TestWorkerLoadFailureWithoutModelIsFatal(t *testing.T) {
	backend := &fakeBackend{cached: true, failSize: map[string]error{"base": errors.New("corrupt file")}}
	w := NewWorker(backend, &fakeConsent{}, newLogger())
	h := startWorker(t, w)

	res := h.submit(t, job(1, "base"))
	last := res[len(res)-1]
	var loadErr *LoadError
	if last.Kind != ResultFailed || !last.Fatal || !errors.As(last.Err, &loadErr) {
		t.Fatalf("expected fatal load failure, got %+v", last)
	}
}

func TestWorkerStopsWhenJobsClosed(t *testing.T) {
	w := NewWorker(&fakeBackend{cached: true}, &fakeConsent{}, newLogger())
	jobs := make(chan Job)
	close(jobs)
	if err := w.Run(context.Background(), jobs, make(chan Result)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Package watchdog tracks the supervised goroutines of the dictation
// pipeline and decides whether an abnormal exit earns a restart.
package watchdog

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Component string

const (
	Capture     Component = "capture"
	Transcriber Component = "transcriber"
)

type Decision int

const (
	// Ignore means the report was stale or already handled.
	Ignore Decision = iota
	Restart
	// Exhausted means the component used its single restart and must not
	// be started again automatically.
	Exhausted
)

func (d Decision) String() string {
	switch d {
	case Restart:
		return "restart"
	case Exhausted:
		return "exhausted"
	default:
		return "ignore"
	}
}

// Handle identifies one incarnation of a supervised component.
type Handle struct {
	ID          string
	Component   Component
	Restarts    int
	LastFailure string
	StartedAt   time.Time
}

// ExhaustedError is reported once per exhausted component.
type ExhaustedError struct {
	Component Component
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("watchdog: %s failed after restart: %v", e.Component, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type Watchdog struct {
	backoff time.Duration
	log     *slog.Logger

	mu       sync.Mutex
	live     map[Component]*Handle
	restarts map[Component]int
	failures map[Component]string
}

func New(backoff time.Duration, log *slog.Logger) *Watchdog {
	return &Watchdog{
		backoff:  backoff,
		log:      log.With(slog.String("component", "watchdog")),
		live:     make(map[Component]*Handle),
		restarts: make(map[Component]int),
		failures: make(map[Component]string),
	}
}

func (w *Watchdog) Backoff() time.Duration { return w.backoff }

// Spawn registers a fresh incarnation of c, replacing any earlier one.
// Restart counts carry over: they never reset for the life of the process.
func (w *Watchdog) Spawn(c Component) Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := &Handle{
		ID:          uuid.NewString(),
		Component:   c,
		Restarts:    w.restarts[c],
		LastFailure: w.failures[c],
		StartedAt:   time.Now(),
	}
	w.live[c] = h
	return *h
}

// Retire forgets the live incarnation of c after a clean shutdown.
func (w *Watchdog) Retire(c Component, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h, ok := w.live[c]; ok && h.ID == id {
		delete(w.live, c)
	}
}

// Failed records an abnormal exit of the incarnation id. Each incarnation
// is judged at most once.
func (w *Watchdog) Failed(c Component, id string, cause error) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.live[c]
	if !ok || h.ID != id {
		return Ignore
	}
	delete(w.live, c)
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	w.failures[c] = reason

	if w.restarts[c] >= 1 {
		w.log.Error("component failed again, giving up",
			slog.String("target", string(c)),
			slog.String("handle", id),
			slog.String("reason", reason))
		return Exhausted
	}
	w.restarts[c]++
	w.log.Warn("component failed, restarting",
		slog.String("target", string(c)),
		slog.String("handle", id),
		slog.String("reason", reason),
		slog.Duration("backoff", w.backoff))
	return Restart
}

// After runs fn once the restart backoff has elapsed.
func (w *Watchdog) After(fn func()) *time.Timer {
	return time.AfterFunc(w.backoff, fn)
}

func (w *Watchdog) Restarts(c Component) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts[c]
}

// Snapshot lists the live incarnations ordered by component name.
func (w *Watchdog) Snapshot() []Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Handle, 0, len(w.live))
	for _, h := range w.live {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

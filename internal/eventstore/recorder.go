package eventstore

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/loqa-dictate/internal/pipeline"
)

// Recorder is a pipeline.Sink that persists sessions and finished
// utterances. Emit only queues; Run does the writes.
type Recorder struct {
	store   *Store
	log     *slog.Logger
	ch      chan pipeline.Event
	dropped atomic.Uint64

	current string
}

func NewRecorder(store *Store, log *slog.Logger, size int) *Recorder {
	if size <= 0 {
		size = 128
	}
	return &Recorder{
		store: store,
		log:   log.With(slog.String("component", "recorder")),
		ch:    make(chan pipeline.Event, size),
	}
}

func (r *Recorder) Emit(e pipeline.Event) {
	switch e.Kind {
	case pipeline.EventStateChanged, pipeline.EventFinal:
	case pipeline.EventError:
		if e.UtteranceID == 0 {
			return
		}
	default:
		return
	}
	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// History returns the most recent utterances, newest first.
func (r *Recorder) History(ctx context.Context, limit int) ([]Utterance, error) {
	return r.store.ListRecent(ctx, limit)
}

// Run writes queued events until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-r.ch:
					r.record(wctx, e)
				default:
					return nil
				}
			}
		case e := <-r.ch:
			r.record(wctx, e)
		}
	}
}

func (r *Recorder) record(ctx context.Context, e pipeline.Event) {
	var err error
	switch e.Kind {
	case pipeline.EventStateChanged:
		switch {
		case e.State == pipeline.Listening && e.SessionID != "" && e.SessionID != r.current:
			r.current = e.SessionID
			err = r.store.AppendSession(ctx, e.SessionID)
		case e.State == pipeline.Idle || e.State == pipeline.Error || e.State == pipeline.Muted:
			if r.current != "" {
				err = r.store.EndSession(ctx, r.current)
				r.current = ""
			}
		}
	case pipeline.EventFinal:
		err = r.store.AppendUtterance(ctx, Utterance{
			SessionID:   r.sessionOf(e),
			UtteranceID: e.UtteranceID,
			Kind:        UtteranceFinal,
			Text:        e.Text,
			Latency:     e.Latency,
			CreatedAt:   e.At,
		})
	case pipeline.EventError:
		u := Utterance{
			SessionID:   r.sessionOf(e),
			UtteranceID: e.UtteranceID,
			Kind:        UtteranceFailed,
			CreatedAt:   e.At,
		}
		if e.Err != nil {
			u.ErrorKind = string(e.Err.Kind)
			u.Text = e.Err.Error()
		}
		err = r.store.AppendUtterance(ctx, u)
	}
	if err != nil {
		r.log.Warn("failed to record event", slog.String("kind", string(e.Kind)), slog.String("error", err.Error()))
	}
}

func (r *Recorder) sessionOf(e pipeline.Event) string {
	if e.SessionID != "" {
		return e.SessionID
	}
	if r.current != "" {
		return r.current
	}
	return "unknown"
}

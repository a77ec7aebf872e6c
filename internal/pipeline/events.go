package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/stt"
)

var (
	ErrMuted             = errors.New("pipeline: muted, unmute first")
	ErrFailed            = errors.New("pipeline: in error state, reset required")
	ErrInvalidTransition = errors.New("pipeline: invalid transition")
	ErrClosed            = errors.New("pipeline: controller stopped")
	ErrUnknownConsent    = errors.New("pipeline: unknown consent request")
)

type ErrorKind string

const (
	KindDevice        ErrorKind = "device"
	KindConsentDenied ErrorKind = "consent_denied"
	KindLoad          ErrorKind = "load"
	KindTranscription ErrorKind = "transcription"
	KindWatchdog      ErrorKind = "watchdog_exhausted"
	KindBacklog       ErrorKind = "backlog"
)

// PipelineError is what the Error event carries. Fatal errors moved the
// pipeline into the Error state.
type PipelineError struct {
	Kind        ErrorKind
	UtteranceID uint64
	Fatal       bool
	Err         error
}

func (e *PipelineError) Error() string {
	if e.UtteranceID != 0 {
		return fmt.Sprintf("%s (utterance %d): %v", e.Kind, e.UtteranceID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

type EventKind string

const (
	EventStateChanged     EventKind = "state"
	EventPartial          EventKind = "partial"
	EventFinal            EventKind = "final"
	EventError            EventKind = "error"
	EventDeviceWarning    EventKind = "device"
	EventConsentRequested EventKind = "consent"
	EventDownloadProgress EventKind = "progress"
)

// ConsentRequest asks the user whether a model may be downloaded. Answer it
// with Controller.RespondConsent.
type ConsentRequest struct {
	ID          string
	Spec        stt.ModelSpec
	Description string
	ApproxBytes uint64
}

type Event struct {
	Kind      EventKind
	At        time.Time
	SessionID string

	// state
	State    State
	Previous State

	// partial, final
	UtteranceID uint64
	Text        string
	Latency     time.Duration

	Err      *PipelineError
	Message  string
	Consent  *ConsentRequest
	Spec     stt.ModelSpec
	Fraction float64
}

// Sink receives controller events. Emit is called from the controller
// goroutine and must not block.
type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// ChannelSink buffers events for a consumer goroutine and drops them when
// the consumer falls behind.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Uint64
}

func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, size)}
}

func (s *ChannelSink) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChannelSink) C() <-chan Event { return s.ch }

func (s *ChannelSink) Dropped() uint64 { return s.dropped.Load() }

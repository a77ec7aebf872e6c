package protocol

import "time"

const (
	SubjectCommandPrefix = "dictate.cmd"

	SubjectCommandStart   = "dictate.cmd.start"
	SubjectCommandStop    = "dictate.cmd.stop"
	SubjectCommandToggle  = "dictate.cmd.toggle"
	SubjectCommandMute    = "dictate.cmd.mute"
	SubjectCommandUnmute  = "dictate.cmd.unmute"
	SubjectCommandReset   = "dictate.cmd.reset"
	SubjectCommandStatus  = "dictate.cmd.status"
	SubjectCommandDevice  = "dictate.cmd.device"
	SubjectCommandModel   = "dictate.cmd.model"
	SubjectCommandConsent = "dictate.cmd.consent"
	SubjectCommandHistory = "dictate.cmd.history"

	SubjectEventPrefix   = "dictate.event"
	SubjectEventState    = "dictate.event.state"
	SubjectEventPartial  = "dictate.event.partial"
	SubjectEventFinal    = "dictate.event.final"
	SubjectEventError    = "dictate.event.error"
	SubjectEventDevice   = "dictate.event.device"
	SubjectEventConsent  = "dictate.event.consent"
	SubjectEventProgress = "dictate.event.progress"
)

// ModelSpec mirrors the speech model selection on the wire. Empty fields
// keep the daemon's configured defaults.
type ModelSpec struct {
	Size        string `json:"size,omitempty"`
	Language    string `json:"language,omitempty"`
	ComputeType string `json:"compute_type,omitempty"`
	Device      string `json:"device,omitempty"`
}

// Command is the request body for every dictate.cmd subject. Only the
// fields relevant to the subject are read.
type Command struct {
	Device    string     `json:"device,omitempty"`
	Model     *ModelSpec `json:"model,omitempty"`
	ConsentID string     `json:"consent_id,omitempty"`
	Approve   bool       `json:"approve,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

type Reply struct {
	OK     bool    `json:"ok"`
	State  string  `json:"state,omitempty"`
	Error  string  `json:"error,omitempty"`
	Status *Status `json:"status,omitempty"`
	// History is only set on history replies.
	History []HistoryEntry `json:"history,omitempty"`
}

type Status struct {
	State           string         `json:"state"`
	SessionID       string         `json:"session_id,omitempty"`
	Device          string         `json:"device"`
	Model           ModelSpec      `json:"model"`
	Capturing       bool           `json:"capturing"`
	StopRequested   bool           `json:"stop_requested"`
	Pending         int            `json:"pending_utterances"`
	PendingConsents int            `json:"pending_consents"`
	FramesProcessed uint64         `json:"frames_processed"`
	DroppedFrames   uint64         `json:"dropped_frames"`
	Fallbacks       uint64         `json:"vad_fallbacks"`
	Restarts        map[string]int `json:"restarts,omitempty"`
}

type HistoryEntry struct {
	SessionID   string    `json:"session_id"`
	UtteranceID uint64    `json:"utterance_id"`
	Kind        string    `json:"kind"`
	Text        string    `json:"text"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	LatencyMS   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

type StateChanged struct {
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Previous  string    `json:"previous"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript carries both partial and final results.
type Transcript struct {
	SessionID   string    `json:"session_id,omitempty"`
	UtteranceID uint64    `json:"utterance_id"`
	Text        string    `json:"text"`
	Final       bool      `json:"final"`
	LatencyMS   int64     `json:"latency_ms,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	SessionID   string    `json:"session_id,omitempty"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	UtteranceID uint64    `json:"utterance_id,omitempty"`
	Fatal       bool      `json:"fatal"`
	Timestamp   time.Time `json:"timestamp"`
}

type DeviceWarning struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ConsentRequest struct {
	ID          string    `json:"id"`
	Model       ModelSpec `json:"model"`
	Description string    `json:"description"`
	ApproxBytes uint64    `json:"approx_bytes,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// DownloadProgress reports 0 at start, 1 when done and -1 on failure.
type DownloadProgress struct {
	Model     ModelSpec `json:"model"`
	Fraction  float64   `json:"fraction"`
	Timestamp time.Time `json:"timestamp"`
}

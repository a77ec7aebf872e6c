package router

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

// Publisher is a pipeline.Sink that mirrors controller events onto the bus.
// NATS publishes are buffered by the client, so Emit does not block.
type Publisher struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewPublisher(busClient *bus.Client, logger *slog.Logger) *Publisher {
	return &Publisher{bus: busClient, logger: logger.With(slog.String("component", "publisher"))}
}

func (p *Publisher) Emit(e pipeline.Event) {
	subject, payload := EventPayload(e)
	if subject == "" {
		return
	}
	if err := p.bus.PublishJSON(subject, payload); err != nil {
		p.logger.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

// EventPayload maps a controller event to its subject and wire body.
func EventPayload(e pipeline.Event) (string, any) {
	at := e.At.UTC()
	if e.At.IsZero() {
		at = time.Now().UTC()
	}
	switch e.Kind {
	case pipeline.EventStateChanged:
		return protocol.SubjectEventState, protocol.StateChanged{
			SessionID: e.SessionID,
			State:     e.State.String(),
			Previous:  e.Previous.String(),
			Timestamp: at,
		}
	case pipeline.EventPartial, pipeline.EventFinal:
		subject := protocol.SubjectEventPartial
		if e.Kind == pipeline.EventFinal {
			subject = protocol.SubjectEventFinal
		}
		return subject, protocol.Transcript{
			SessionID:   e.SessionID,
			UtteranceID: e.UtteranceID,
			Text:        e.Text,
			Final:       e.Kind == pipeline.EventFinal,
			LatencyMS:   e.Latency.Milliseconds(),
			Timestamp:   at,
		}
	case pipeline.EventError:
		out := protocol.ErrorEvent{SessionID: e.SessionID, UtteranceID: e.UtteranceID, Timestamp: at}
		if e.Err != nil {
			out.Kind = string(e.Err.Kind)
			out.Message = e.Err.Error()
			out.Fatal = e.Err.Fatal
		}
		return protocol.SubjectEventError, out
	case pipeline.EventDeviceWarning:
		return protocol.SubjectEventDevice, protocol.DeviceWarning{Message: e.Message, Timestamp: at}
	case pipeline.EventConsentRequested:
		if e.Consent == nil {
			return "", nil
		}
		return protocol.SubjectEventConsent, protocol.ConsentRequest{
			ID:          e.Consent.ID,
			Model:       specToWire(e.Consent.Spec),
			Description: e.Consent.Description,
			ApproxBytes: e.Consent.ApproxBytes,
			Timestamp:   at,
		}
	case pipeline.EventDownloadProgress:
		return protocol.SubjectEventProgress, protocol.DownloadProgress{
			Model:     specToWire(e.Spec),
			Fraction:  e.Fraction,
			Timestamp: at,
		}
	}
	return "", nil
}

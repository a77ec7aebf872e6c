// Package router bridges the dictation controller and the message bus:
// commands arrive as requests on dictate.cmd.* and controller events are
// published on dictate.event.*.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/nats-io/nats.go"
)

const commandTimeout = 5 * time.Second

// Controller is the part of pipeline.Controller the router drives.
type Controller interface {
	Start(ctx context.Context) (pipeline.State, error)
	Stop(ctx context.Context) (pipeline.State, error)
	Toggle(ctx context.Context) (pipeline.State, error)
	Mute(ctx context.Context) (pipeline.State, error)
	Unmute(ctx context.Context) (pipeline.State, error)
	Reset(ctx context.Context) (pipeline.State, error)
	SetDevice(ctx context.Context, device string) (pipeline.State, error)
	SetModelSpec(ctx context.Context, spec stt.ModelSpec) (pipeline.State, error)
	RespondConsent(ctx context.Context, id string, approve bool) (pipeline.State, error)
	Status(ctx context.Context) (pipeline.Status, error)
}

type History interface {
	History(ctx context.Context, limit int) ([]eventstore.Utterance, error)
}

type Service struct {
	bus     *bus.Client
	ctrl    Controller
	history History
	logger  *slog.Logger
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService builds the command relay. history may be nil, in which case
// history requests return an empty list.
func NewService(parent context.Context, busClient *bus.Client, ctrl Controller, history History, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:     busClient,
		ctrl:    ctrl,
		history: history,
		logger:  logger.With(slog.String("component", "router")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectCommandPrefix+".*", s.handleCommand)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid()
}

func (s *Service) handleCommand(msg *nats.Msg) {
	var cmd protocol.Command
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.respond(msg, protocol.Reply{Error: fmt.Sprintf("decode command: %v", err)})
			return
		}
	}

	s.wg.Add(1)
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()

	name := strings.TrimPrefix(msg.Subject, protocol.SubjectCommandPrefix+".")
	reply := s.dispatch(ctx, msg.Subject, cmd)
	if reply.Error != "" {
		s.logger.Warn("command failed", slog.String("command", name), slog.String("error", reply.Error))
	} else {
		s.logger.Debug("command handled", slog.String("command", name), slog.String("state", reply.State))
	}
	s.respond(msg, reply)
}

func (s *Service) dispatch(ctx context.Context, subject string, cmd protocol.Command) protocol.Reply {
	var (
		state pipeline.State
		err   error
	)
	switch subject {
	case protocol.SubjectCommandStart:
		state, err = s.ctrl.Start(ctx)
	case protocol.SubjectCommandStop:
		state, err = s.ctrl.Stop(ctx)
	case protocol.SubjectCommandToggle:
		state, err = s.ctrl.Toggle(ctx)
	case protocol.SubjectCommandMute:
		state, err = s.ctrl.Mute(ctx)
	case protocol.SubjectCommandUnmute:
		state, err = s.ctrl.Unmute(ctx)
	case protocol.SubjectCommandReset:
		state, err = s.ctrl.Reset(ctx)
	case protocol.SubjectCommandDevice:
		state, err = s.ctrl.SetDevice(ctx, cmd.Device)
	case protocol.SubjectCommandModel:
		if cmd.Model == nil {
			return protocol.Reply{Error: "model command requires a model"}
		}
		state, err = s.ctrl.SetModelSpec(ctx, specFromWire(*cmd.Model))
	case protocol.SubjectCommandConsent:
		if cmd.ConsentID == "" {
			return protocol.Reply{Error: "consent command requires consent_id"}
		}
		state, err = s.ctrl.RespondConsent(ctx, cmd.ConsentID, cmd.Approve)
	case protocol.SubjectCommandStatus:
		st, err := s.ctrl.Status(ctx)
		if err != nil {
			return protocol.Reply{Error: err.Error()}
		}
		wire := statusToWire(st)
		return protocol.Reply{OK: true, State: wire.State, Status: &wire}
	case protocol.SubjectCommandHistory:
		return s.historyReply(ctx, cmd.Limit)
	default:
		return protocol.Reply{Error: fmt.Sprintf("unknown command %q", subject)}
	}
	if err != nil {
		r := protocol.Reply{Error: err.Error()}
		// A refused command still reports where the pipeline is.
		if !errors.Is(err, pipeline.ErrClosed) && !errors.Is(err, context.DeadlineExceeded) {
			r.State = state.String()
		}
		return r
	}
	return protocol.Reply{OK: true, State: state.String()}
}

func (s *Service) historyReply(ctx context.Context, limit int) protocol.Reply {
	if s.history == nil {
		return protocol.Reply{OK: true}
	}
	items, err := s.history.History(ctx, limit)
	if err != nil {
		return protocol.Reply{Error: err.Error()}
	}
	out := make([]protocol.HistoryEntry, 0, len(items))
	for _, u := range items {
		out = append(out, protocol.HistoryEntry{
			SessionID:   u.SessionID,
			UtteranceID: u.UtteranceID,
			Kind:        string(u.Kind),
			Text:        u.Text,
			ErrorKind:   u.ErrorKind,
			LatencyMS:   u.Latency.Milliseconds(),
			CreatedAt:   u.CreatedAt.UTC(),
		})
	}
	return protocol.Reply{OK: true, History: out}
}

func (s *Service) respond(msg *nats.Msg, reply protocol.Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("router failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to respond", slogError(err))
	}
}

func specFromWire(m protocol.ModelSpec) stt.ModelSpec {
	return stt.ModelSpec{Size: m.Size, Language: m.Language, ComputeType: m.ComputeType, Device: m.Device}
}

func specToWire(s stt.ModelSpec) protocol.ModelSpec {
	return protocol.ModelSpec{Size: s.Size, Language: s.Language, ComputeType: s.ComputeType, Device: s.Device}
}

func statusToWire(st pipeline.Status) protocol.Status {
	return protocol.Status{
		State:           st.State.String(),
		SessionID:       st.SessionID,
		Device:          st.Device,
		Model:           specToWire(st.Model),
		Capturing:       st.Capturing,
		StopRequested:   st.StopRequested,
		Pending:         st.Pending,
		PendingConsents: st.PendingConsents,
		FramesProcessed: st.FramesProcessed,
		DroppedFrames:   st.DroppedFrames,
		Fallbacks:       st.Fallbacks,
		Restarts:        st.Restarts,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Settled follows the event stream until the pipeline goes idle or fails.
// Subscribe before sending the command whose outcome you want to see.
type Settled struct {
	sub  *nats.Subscription
	msgs chan *nats.Msg
}

func WatchSettled(client *bus.Client) (*Settled, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectEventPrefix+".>", msgs)
	if err != nil {
		return nil, err
	}
	if err := client.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return &Settled{sub: sub, msgs: msgs}, nil
}

// Wait hands every final transcript to onFinal and returns the state the
// pipeline settled in. A fatal pipeline error is returned as an error.
func (s *Settled) Wait(ctx context.Context, onFinal func(protocol.Transcript)) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case msg := <-s.msgs:
			switch msg.Subject {
			case protocol.SubjectEventFinal:
				var tr protocol.Transcript
				if json.Unmarshal(msg.Data, &tr) == nil && onFinal != nil {
					onFinal(tr)
				}
			case protocol.SubjectEventError:
				var ev protocol.ErrorEvent
				if json.Unmarshal(msg.Data, &ev) == nil && ev.Fatal {
					return "error", fmt.Errorf("%s: %s", ev.Kind, ev.Message)
				}
			case protocol.SubjectEventState:
				var ev protocol.StateChanged
				if json.Unmarshal(msg.Data, &ev) == nil && ev.State == "idle" {
					return ev.State, nil
				}
			}
		}
	}
}

func (s *Settled) Close() {
	_ = s.sub.Unsubscribe()
}

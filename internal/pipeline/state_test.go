package pipeline

import (
	"encoding/json"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{Idle, Listening, true},
		{Listening, Processing, true},
		{Processing, Listening, true},
		{Processing, Idle, true},
		{Idle, Muted, true},
		{Listening, Muted, true},
		{Muted, Idle, true},
		{Processing, Muted, false},
		{Muted, Listening, false},
		{Error, Listening, false},
		{Error, Idle, true},
		{Muted, Error, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("expected %s -> %s allowed=%v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestEveryStateCanFail(t *testing.T) {
	for s := Idle; s < Error; s++ {
		if !CanTransition(s, Error) {
			t.Fatalf("expected %s -> error to be allowed", s)
		}
		if !CanTransition(Error, Idle) {
			t.Fatalf("expected reset from error")
		}
	}
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(map[string]State{"state": Processing})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"state":"processing"}` {
		t.Fatalf("unexpected json %s", data)
	}
	var out map[string]State
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["state"] != Processing {
		t.Fatalf("expected processing, got %s", out["state"])
	}
	if _, err := ParseState("sleeping"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestMultiSinkAndChannelSink(t *testing.T) {
	small := NewChannelSink(1)
	var got []EventKind
	sink := MultiSink{small, SinkFunc(func(e Event) { got = append(got, e.Kind) })}
	sink.Emit(Event{Kind: EventPartial})
	sink.Emit(Event{Kind: EventFinal})

	if len(got) != 2 {
		t.Fatalf("expected both events forwarded, got %v", got)
	}
	if small.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", small.Dropped())
	}
	if e := <-small.C(); e.Kind != EventPartial {
		t.Fatalf("expected oldest event kept, got %s", e.Kind)
	}
}

package pipeline

import "fmt"

type State int

const (
	Idle State = iota
	Listening
	Processing
	Muted
	Error
)

var stateNames = [...]string{
	Idle:       "idle",
	Listening:  "listening",
	Processing: "processing",
	Muted:      "muted",
	Error:      "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return Idle, fmt.Errorf("unknown pipeline state %q", name)
}

// transitions lists every permitted edge. Reset reaches Idle from anywhere.
var transitions = map[State][]State{
	Idle:       {Listening, Muted, Error},
	Listening:  {Processing, Idle, Muted, Error},
	Processing: {Listening, Idle, Error},
	Muted:      {Idle, Error},
	Error:      {Idle},
}

// CanTransition reports whether the controller may move from one state to
// another in a single step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

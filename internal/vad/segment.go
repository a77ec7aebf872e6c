package vad

import (
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// Segment is one candidate utterance. The gate mutates it while open; once
// Closed it is handed off and never touched again.
type Segment struct {
	Frames        []audio.Frame
	StartedAt     time.Time
	Closed        bool
	Forced        bool
	Silence       time.Duration
	SpeechFrames  int
	DroppedFrames int

	frameDuration time.Duration
}

// Duration covers captured frames plus frames lost to queue overflow while
// the segment was open.
func (s *Segment) Duration() time.Duration {
	return time.Duration(len(s.Frames)+s.DroppedFrames) * s.frameDuration
}

func (s *Segment) SpeechDuration() time.Duration {
	return time.Duration(s.SpeechFrames) * s.frameDuration
}

func (s *Segment) Empty() bool { return len(s.Frames) == 0 }

// Samples concatenates the frames' PCM.
func (s *Segment) Samples() []int16 {
	n := 0
	for _, f := range s.Frames {
		n += len(f.Samples)
	}
	out := make([]int16, 0, n)
	for _, f := range s.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

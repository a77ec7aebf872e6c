// Package webrtc adapts the WebRTC voice-activity detector to vad.Classifier.
package webrtc

import (
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/vad"
	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

var validRates = map[int]bool{8000: true, 16000: true, 32000: true, 48000: true}

// Classifier is not safe for concurrent use.
type Classifier struct {
	vad  *webrtcvad.VAD
	mode int
}

// New creates a classifier with aggressiveness 0 (least strict) to 3.
func New(aggressiveness int) (*Classifier, error) {
	if aggressiveness < 0 || aggressiveness > 3 {
		return nil, fmt.Errorf("aggressiveness must be between 0 and 3, got %d", aggressiveness)
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}
	if err := v.SetMode(aggressiveness); err != nil {
		return nil, fmt.Errorf("set vad mode: %w", err)
	}
	return &Classifier{vad: v, mode: aggressiveness}, nil
}

func (c *Classifier) Mode() int { return c.mode }

// IsSpeech accepts 10, 20 or 30 ms frames at 8, 16, 32 or 48 kHz.
func (c *Classifier) IsSpeech(samples []int16, sampleRate int) (bool, error) {
	if !validRates[sampleRate] {
		return false, fmt.Errorf("%w: unsupported rate %d", vad.ErrMalformedFrame, sampleRate)
	}
	perMS := sampleRate / 1000
	switch len(samples) {
	case perMS * 10, perMS * 20, perMS * 30:
	default:
		return false, fmt.Errorf("%w: %d samples", vad.ErrMalformedFrame, len(samples))
	}
	active, err := c.vad.Process(sampleRate, audio.Bytes(samples))
	if err != nil {
		return false, fmt.Errorf("vad process: %w", err)
	}
	return active, nil
}

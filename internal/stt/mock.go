package stt

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockBackend produces deterministic transcripts describing the audio it was
// given. It never downloads anything.
type MockBackend struct {
	Delay time.Duration
}

func NewMockBackend() *MockBackend { return &MockBackend{Delay: 20 * time.Millisecond} }

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Cached(ModelSpec) bool { return true }

func (b *MockBackend) Load(_ context.Context, spec ModelSpec, _ func(float64)) (Model, error) {
	return &mockModel{spec: spec, delay: b.Delay}, nil
}

type mockModel struct {
	spec  ModelSpec
	delay time.Duration
}

func (m *mockModel) Transcribe(ctx context.Context, req Request, partial func(string)) (string, error) {
	seconds := 0.0
	if req.SampleRate > 0 {
		seconds = float64(len(req.Samples)) / float64(req.SampleRate)
	}
	words := strings.Fields(fmt.Sprintf("utterance %d lasted %.2f seconds", req.UtteranceID, seconds))
	for i := range words {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.delay / time.Duration(len(words))):
		}
		partial(strings.Join(words[:i+1], " "))
	}
	return strings.Join(words, " "), nil
}

func (m *mockModel) Close() error { return nil }

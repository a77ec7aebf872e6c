package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testFormat = Format{SampleRate: 16000, Channels: 1, FrameDuration: 20 * time.Millisecond}

type scriptStream struct {
	device string
	reads  chan error
	mu     sync.Mutex
	closed bool
}

func (s *scriptStream) ReadFrame(timeout time.Duration) (Frame, error) {
	select {
	case err := <-s.reads:
		if err != nil {
			return Frame{}, err
		}
		return Frame{SampleRate: 16000, Samples: make([]int16, 320), CapturedAt: time.Now()}, nil
	case <-time.After(timeout):
		return Frame{}, ErrTimeout
	}
}

func (s *scriptStream) Device() string { return s.device }

func (s *scriptStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeOpener struct {
	mu       sync.Mutex
	devices  []DeviceInfo
	failures int
	opened   []string
	streams  []*scriptStream
}

func (o *fakeOpener) Open(device string, _ Format) (Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, device)
	if o.failures > 0 {
		o.failures--
		return nil, errors.New("device busy")
	}
	s := &scriptStream{device: device, reads: make(chan error, 16)}
	o.streams = append(o.streams, s)
	return s, nil
}

func (o *fakeOpener) Devices() ([]DeviceInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.devices, nil
}

func (o *fakeOpener) stream(i int) *scriptStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i >= len(o.streams) {
		return nil
	}
	return o.streams[i]
}

func (o *fakeOpener) openedDevices() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func captureConfig() CaptureConfig {
	return CaptureConfig{
		Format:         testFormat,
		ReadTimeout:    10 * time.Millisecond,
		StallTimeout:   time.Second,
		ReopenAttempts: 3,
		ReopenBackoff:  time.Millisecond,
	}
}

func TestCaptureAssignsSequenceNumbers(t *testing.T) {
	opener := &fakeOpener{devices: []DeviceInfo{{Name: "mic", MaxInputChannels: 1}}}
	queue := NewFrameQueue(8)
	capture := NewCapture(opener, captureConfig(), queue, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- capture.Run(ctx, "mic") }()

	waitFor(t, func() bool { return opener.stream(0) != nil })
	for i := 0; i < 3; i++ {
		opener.stream(0).reads <- nil
	}
	for want := uint64(1); want <= 3; want++ {
		select {
		case f := <-queue.C():
			if f.Seq != want {
				t.Fatalf("expected seq %d, got %d", want, f.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %d", want)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
	if !opener.stream(0).isClosed() {
		t.Fatal("expected stream released on stop")
	}
}

func TestCaptureReopensAfterDeviceLost(t *testing.T) {
	opener := &fakeOpener{devices: []DeviceInfo{{Name: "mic", MaxInputChannels: 1}}}
	queue := NewFrameQueue(8)
	capture := NewCapture(opener, captureConfig(), queue, newLogger())
	var warnings []string
	var mu sync.Mutex
	capture.OnWarning(func(msg string) {
		mu.Lock()
		warnings = append(warnings, msg)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- capture.Run(ctx, "mic") }()

	waitFor(t, func() bool { return opener.stream(0) != nil })
	opener.mu.Lock()
	opener.devices = nil
	opener.mu.Unlock()
	opener.stream(0).reads <- ErrDeviceLost

	waitFor(t, func() bool { return opener.stream(1) != nil })
	if !opener.stream(0).isClosed() {
		t.Fatal("expected lost stream to be closed")
	}
	opened := opener.openedDevices()
	if len(opened) != 2 || opened[0] != "mic" || opened[1] != "" {
		t.Fatalf("expected reopen on default device, got %v", opened)
	}
	if capture.Reopens() != 1 {
		t.Fatalf("expected one reopen, got %d", capture.Reopens())
	}

	opener.stream(1).reads <- nil
	select {
	case <-queue.C():
	case <-time.After(time.Second):
		t.Fatal("expected capture to resume on the fallback device")
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "system default") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fallback warning, got %v", warnings)
	}
}

func TestCaptureSurfacesDeviceErrorAfterBoundedAttempts(t *testing.T) {
	opener := &fakeOpener{failures: 10}
	capture := NewCapture(opener, captureConfig(), NewFrameQueue(4), newLogger())

	err := capture.Run(context.Background(), "")
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	if devErr.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", devErr.Attempts)
	}
	if got := len(opener.openedDevices()); got != 3 {
		t.Fatalf("expected 3 open calls, got %d", got)
	}
}

func TestCaptureUnexpectedReadErrorIsReturned(t *testing.T) {
	opener := &fakeOpener{}
	capture := NewCapture(opener, captureConfig(), NewFrameQueue(4), newLogger())

	done := make(chan error, 1)
	go func() { done <- capture.Run(context.Background(), "") }()
	waitFor(t, func() bool { return opener.stream(0) != nil })
	opener.stream(0).reads <- errors.New("driver exploded")

	select {
	case err := <-done:
		var devErr *DeviceError
		if err == nil || errors.As(err, &devErr) {
			t.Fatalf("expected plain read error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("capture did not exit")
	}
	if !opener.stream(0).isClosed() {
		t.Fatal("expected stream released on error exit")
	}
}

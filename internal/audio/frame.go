package audio

import (
	"errors"
	"fmt"
	"time"
)

// Format fixes the geometry of every frame a stream produces.
type Format struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// SamplesPerFrame is the number of int16 samples (across channels) in one frame.
func (f Format) SamplesPerFrame() int {
	perChannel := int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return perChannel * ch
}

// Frame is one fixed-duration block of 16-bit PCM. Frames are never mutated
// after the capture loop hands them to the queue.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	SampleRate int
	Samples    []int16
}

func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

var (
	ErrTimeout    = errors.New("audio: read timed out")
	ErrDeviceLost = errors.New("audio: input device lost")
	ErrClosed     = errors.New("audio: stream closed")
)

// DeviceError is returned once every attempt to open an input device,
// including the fallback to the system default, has failed.
type DeviceError struct {
	Device   string
	Attempts int
	Err      error
}

func (e *DeviceError) Error() string {
	name := e.Device
	if name == "" {
		name = "default"
	}
	return fmt.Sprintf("open input device %q failed after %d attempts: %v", name, e.Attempts, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// DeviceInfo describes an enumerated input device.
type DeviceInfo struct {
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsDefault         bool
}

// Opener opens input streams. An empty device name selects the system default.
type Opener interface {
	Open(device string, format Format) (Stream, error)
	Devices() ([]DeviceInfo, error)
}

// Stream is an open, exclusively held input stream.
type Stream interface {
	// ReadFrame returns the next frame, ErrTimeout when none arrived within
	// timeout, or ErrDeviceLost when the device went away.
	ReadFrame(timeout time.Duration) (Frame, error)
	Device() string
	Close() error
}

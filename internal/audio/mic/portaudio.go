// Package mic provides the PortAudio-backed input stream used in production.
// It needs the PortAudio shared library at link time.
package mic

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// Opener opens PortAudio input streams. Initialize is called once per Opener
// and balanced by Close.
type Opener struct {
	log *slog.Logger
}

func NewOpener(log *slog.Logger) (*Opener, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &Opener{log: log.With(slog.String("component", "portaudio"))}, nil
}

func (o *Opener) Close() error {
	return portaudio.Terminate()
}

func (o *Opener) Devices() ([]audio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var defaultName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}
	var out []audio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, audio.DeviceInfo{
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefault:         dev.Name == defaultName,
		})
	}
	return out, nil
}

func (o *Opener) Open(device string, format audio.Format) (audio.Stream, error) {
	buffer := make([]int16, format.SamplesPerFrame())

	var (
		stream *portaudio.Stream
		err    error
		name   = device
	)
	if device == "" {
		stream, err = portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), len(buffer), buffer)
		if def, derr := portaudio.DefaultInputDevice(); derr == nil && def != nil {
			name = def.Name
		}
	} else {
		info, ferr := findInput(device)
		if ferr != nil {
			return nil, ferr
		}
		params := portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   info,
				Channels: format.Channels,
				Latency:  info.DefaultLowInputLatency,
			},
			SampleRate:      float64(format.SampleRate),
			FramesPerBuffer: len(buffer),
		}
		stream, err = portaudio.OpenStream(params, buffer)
	}
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	s := &paStream{
		stream:     stream,
		buffer:     buffer,
		device:     name,
		sampleRate: format.SampleRate,
		frames:     make(chan audio.Frame, 4),
		lost:       make(chan error, 1),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		log:        o.log,
	}
	go s.readLoop()
	return s, nil
}

func findInput(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.Name == name && dev.MaxInputChannels > 0 {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("input device not found: %s", name)
}

// paStream owns the blocking PortAudio read on its own goroutine so that
// ReadFrame can honour a timeout.
type paStream struct {
	stream     *portaudio.Stream
	buffer     []int16
	device     string
	sampleRate int
	frames     chan audio.Frame
	lost       chan error
	done       chan struct{}
	exited     chan struct{}
	closeOnce  sync.Once
	log        *slog.Logger
}

func (s *paStream) readLoop() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		err := s.stream.Read()
		if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			select {
			case s.lost <- err:
			default:
			}
			return
		}
		if err != nil {
			s.log.Debug("portaudio input overflowed")
		}
		samples := make([]int16, len(s.buffer))
		copy(samples, s.buffer)
		frame := audio.Frame{CapturedAt: time.Now(), SampleRate: s.sampleRate, Samples: samples}
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *paStream) ReadFrame(timeout time.Duration) (audio.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.lost:
		return audio.Frame{}, fmt.Errorf("%w: %v", audio.ErrDeviceLost, err)
	case <-s.done:
		return audio.Frame{}, audio.ErrClosed
	case <-timer.C:
		return audio.Frame{}, audio.ErrTimeout
	}
}

func (s *paStream) Device() string { return s.device }

// Close stops the reader and releases the device. A reader stuck in a dead
// driver is aborted after one second.
func (s *paStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		select {
		case <-s.exited:
		case <-time.After(time.Second):
			_ = s.stream.Abort()
			<-s.exited
		}
		if stopErr := s.stream.Stop(); stopErr != nil {
			s.log.Debug("stop input stream", slog.String("error", stopErr.Error()))
		}
		err = s.stream.Close()
	})
	return err
}

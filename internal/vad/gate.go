package vad

import (
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// Classifier labels a single frame as speech or silence.
type Classifier interface {
	IsSpeech(samples []int16, sampleRate int) (bool, error)
}

// ErrMalformedFrame is returned by classifiers for frames whose length does
// not match a supported window.
var ErrMalformedFrame = errors.New("vad: malformed frame")

// Energy classifies by RMS amplitude. It is also the fallback used when the
// primary classifier cannot judge a frame.
type Energy struct {
	Threshold float64
}

func (e Energy) IsSpeech(samples []int16, _ int) (bool, error) {
	return audio.RMS(samples) > e.Threshold, nil
}

type EventKind int

const (
	Continuing EventKind = iota
	SegmentReady
	SegmentAborted
)

func (k EventKind) String() string {
	switch k {
	case SegmentReady:
		return "segment_ready"
	case SegmentAborted:
		return "segment_aborted"
	default:
		return "continuing"
	}
}

type Event struct {
	Kind    EventKind
	Segment *Segment
}

type GateConfig struct {
	SampleRate      int
	FrameDuration   time.Duration
	SilenceTimeout  time.Duration
	AutoStop        bool
	EnergyThreshold float64
	// EnergyOr treats loud frames as speech even when the classifier says no.
	EnergyOr  bool
	MinSpeech time.Duration
}

// Gate assembles classified frames into utterance segments. It is owned by a
// single goroutine.
type Gate struct {
	cfg        GateConfig
	classifier Classifier
	energy     Energy
	log        *slog.Logger

	current  *Segment
	trailing int
	lastSeq  uint64
	haveSeq  bool
	fallback uint64
}

func NewGate(cfg GateConfig, classifier Classifier, log *slog.Logger) *Gate {
	energy := Energy{Threshold: cfg.EnergyThreshold}
	if classifier == nil {
		classifier = energy
	}
	return &Gate{
		cfg:        cfg,
		classifier: classifier,
		energy:     energy,
		log:        log.With(slog.String("component", "speech-gate")),
	}
}

// Open reports whether a segment is currently accumulating.
func (g *Gate) Open() bool { return g.current != nil }

// Fallbacks counts frames classified by energy because the classifier failed.
func (g *Gate) Fallbacks() uint64 { return g.fallback }

// Feed classifies f and advances the current segment.
func (g *Gate) Feed(f audio.Frame) Event {
	var gap uint64
	if g.haveSeq && f.Seq > g.lastSeq+1 {
		gap = f.Seq - g.lastSeq - 1
	}
	g.lastSeq = f.Seq
	g.haveSeq = true

	speech := g.classify(f)
	seg := g.current
	if seg == nil {
		if !speech {
			return Event{Kind: Continuing}
		}
		seg = &Segment{StartedAt: f.CapturedAt, frameDuration: g.cfg.FrameDuration}
		g.current = seg
		g.trailing = 0
	} else if gap > 0 {
		seg.DroppedFrames += int(gap)
	}

	seg.Frames = append(seg.Frames, f)
	if speech {
		seg.SpeechFrames++
		seg.Silence = 0
		g.trailing = 0
	} else {
		seg.Silence += g.cfg.FrameDuration
		g.trailing++
	}

	if g.cfg.AutoStop && seg.Silence >= g.cfg.SilenceTimeout {
		return g.closeOnSilence()
	}
	return Event{Kind: Continuing}
}

func (g *Gate) closeOnSilence() Event {
	seg := g.current
	g.current = nil
	seg.Frames = seg.Frames[:len(seg.Frames)-g.trailing]
	g.trailing = 0
	seg.Closed = true

	if seg.SpeechDuration() < g.cfg.MinSpeech {
		g.log.Debug("segment discarded as too short",
			slog.Duration("speech", seg.SpeechDuration()),
			slog.Duration("min_speech", g.cfg.MinSpeech))
		return Event{Kind: SegmentAborted, Segment: seg}
	}
	return Event{Kind: SegmentReady, Segment: seg}
}

// ForceClose ends the current segment regardless of trailing silence. When no
// segment is open it returns an empty one.
func (g *Gate) ForceClose(at time.Time) *Segment {
	seg := g.current
	g.current = nil
	g.trailing = 0
	if seg == nil {
		seg = &Segment{StartedAt: at, frameDuration: g.cfg.FrameDuration}
	}
	seg.Closed = true
	seg.Forced = true
	return seg
}

// Reset discards any open segment and forgets sequence history.
func (g *Gate) Reset() {
	g.current = nil
	g.trailing = 0
	g.haveSeq = false
	g.lastSeq = 0
}

func (g *Gate) classify(f audio.Frame) bool {
	want := audio.Format{SampleRate: g.cfg.SampleRate, Channels: 1, FrameDuration: g.cfg.FrameDuration}.SamplesPerFrame()
	if len(f.Samples) != want {
		g.fallback++
		loud, _ := g.energy.IsSpeech(f.Samples, f.SampleRate)
		return loud
	}
	speech, err := g.classifier.IsSpeech(f.Samples, f.SampleRate)
	if err != nil {
		g.fallback++
		g.log.Debug("classifier failed, using energy", slog.String("error", err.Error()))
		loud, _ := g.energy.IsSpeech(f.Samples, f.SampleRate)
		return loud
	}
	if !speech && g.cfg.EnergyOr {
		loud, _ := g.energy.IsSpeech(f.Samples, f.SampleRate)
		return loud
	}
	return speech
}

package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ModelSpec identifies one loadable model. It is comparable and used as the
// memoization key.
type ModelSpec struct {
	Size        string
	Language    string
	ComputeType string
	Device      string
}

func (s ModelSpec) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", s.Size, s.Language, s.ComputeType, s.Device)
}

// WithDefaults fills empty fields from def.
func (s ModelSpec) WithDefaults(def ModelSpec) ModelSpec {
	if s.Size == "" {
		s.Size = def.Size
	}
	if s.Language == "" {
		s.Language = def.Language
	}
	if s.ComputeType == "" {
		s.ComputeType = def.ComputeType
	}
	if s.Device == "" {
		s.Device = def.Device
	}
	return s
}

var approxSizes = []struct {
	prefix string
	bytes  uint64
}{
	{"tiny", 75 * 1000 * 1000},
	{"base", 145 * 1000 * 1000},
	{"small", 466 * 1000 * 1000},
	{"medium", 1500 * 1000 * 1000},
	{"large", 2900 * 1000 * 1000},
}

// ApproxDownloadBytes is the approximate download size for a model family,
// or 0 when unknown.
func ApproxDownloadBytes(size string) uint64 {
	for _, s := range approxSizes {
		if strings.HasPrefix(size, s.prefix) {
			return s.bytes
		}
	}
	return 0
}

// DescribeDownload renders a short human description for consent prompts.
func DescribeDownload(spec ModelSpec) string {
	if n := ApproxDownloadBytes(spec.Size); n > 0 {
		return fmt.Sprintf("%s model (~%s)", spec.Size, humanize.Bytes(n))
	}
	return spec.Size + " model"
}

// Request is one utterance handed to a model.
type Request struct {
	UtteranceID uint64
	Samples     []int16
	SampleRate  int
	Language    string
}

// Backend loads models. Implementations must not retain the progress func
// after Load returns.
type Backend interface {
	Name() string
	Load(ctx context.Context, spec ModelSpec, progress func(fraction float64)) (Model, error)
}

// Model runs inference for one utterance at a time. partial receives the
// cumulative transcript as the backend streams it; the returned text is the
// final transcript.
type Model interface {
	Transcribe(ctx context.Context, req Request, partial func(text string)) (string, error)
	Close() error
}

// Locator is implemented by backends that can tell whether a model is
// already available locally, in which case loading downloads nothing.
type Locator interface {
	Cached(spec ModelSpec) bool
}

var ErrConsentDenied = errors.New("stt: model download declined")

type LoadError struct {
	Spec ModelSpec
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Spec, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type TranscriptionError struct {
	UtteranceID uint64
	Err         error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcribe utterance %d: %v", e.UtteranceID, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

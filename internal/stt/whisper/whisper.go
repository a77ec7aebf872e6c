// Package whisper runs inference in-process through the whisper.cpp CGO
// bindings. libwhisper and whisper.h must be available at link time via
// LIBRARY_PATH and C_INCLUDE_PATH.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/stt"
)

var _ stt.Backend = (*Backend)(nil)
var _ stt.Locator = (*Backend)(nil)

// Backend loads ggml models from modelDir, downloading missing ones from
// downloadURL.
type Backend struct {
	modelDir    string
	downloadURL string
	client      *http.Client
	log         *slog.Logger
}

func New(modelDir, downloadURL string, log *slog.Logger) *Backend {
	return &Backend{
		modelDir:    modelDir,
		downloadURL: strings.TrimRight(downloadURL, "/"),
		client:      http.DefaultClient,
		log:         log.With(slog.String("component", "whisper")),
	}
}

func (b *Backend) Name() string { return "whisper" }

func (b *Backend) modelPath(spec stt.ModelSpec) string {
	return filepath.Join(b.modelDir, "ggml-"+spec.Size+".bin")
}

func (b *Backend) Cached(spec stt.ModelSpec) bool {
	_, err := os.Stat(b.modelPath(spec))
	return err == nil
}

func (b *Backend) Load(ctx context.Context, spec stt.ModelSpec, progress func(float64)) (stt.Model, error) {
	path := b.modelPath(spec)
	if !b.Cached(spec) {
		if err := b.download(ctx, spec, path, progress); err != nil {
			return nil, err
		}
	}
	if spec.ComputeType != "" && spec.ComputeType != "auto" {
		b.log.Debug("compute type is fixed at whisper.cpp build time", slog.String("requested", spec.ComputeType))
	}
	model, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %s: %w", path, err)
	}
	b.log.Info("whisper model loaded", slog.String("path", path))
	return &whisperModel{model: model, log: b.log}, nil
}

func (b *Backend) download(ctx context.Context, spec stt.ModelSpec, path string, progress func(float64)) error {
	if b.downloadURL == "" {
		return fmt.Errorf("whisper: model %s not found at %s and no download url configured", spec.Size, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	url := b.downloadURL + "/" + filepath.Base(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download model: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	defer os.Remove(tmp.Name())

	b.log.Info("downloading model", slog.String("url", url), slog.String("size", humanize.Bytes(uint64(max(resp.ContentLength, 0)))))
	counter := &progressWriter{total: resp.ContentLength, report: progress}
	if _, err := io.Copy(tmp, io.TeeReader(resp.Body, counter)); err != nil {
		tmp.Close()
		return fmt.Errorf("download model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type progressWriter struct {
	total   int64
	written int64
	last    float64
	report  func(float64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.total > 0 {
		f := float64(p.written) / float64(p.total)
		if f-p.last >= 0.01 && f < 1 {
			p.last = f
			p.report(f)
		}
	}
	return len(b), nil
}

type whisperModel struct {
	model whisperlib.Model
	log   *slog.Logger
}

// Transcribe runs whisper over the whole utterance and reports the
// transcript as it is assembled segment by segment.
func (m *whisperModel) Transcribe(_ context.Context, req stt.Request, partial func(string)) (string, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if req.Language != "" {
		if err := wctx.SetLanguage(req.Language); err != nil {
			m.log.Warn("whisper: failed to set language, using default", slog.String("language", req.Language), slog.String("error", err.Error()))
		}
	}
	if err := wctx.Process(audio.Float32(req.Samples), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
			partial(strings.Join(parts, " "))
		}
	}
	return strings.Join(parts, " "), nil
}

func (m *whisperModel) Close() error {
	return m.model.Close()
}

package stt

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeHelper(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell helpers need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "asr.sh")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write helper: %v", err)
	}
	return path
}

func TestExecBackendStreamsPartialsAndFinal(t *testing.T) {
	helper := writeHelper(t, `
case "$1" in
  --prepare)
    echo '{"progress":0.5}'
    exit 0
    ;;
esac
echo '{"text":"hello"}'
echo '{"text":"hello world"}'
echo '{"text":"hello world.","final":true}'
`)
	backend, err := NewExecBackend(helper, "", 0)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	var progress []float64
	model, err := backend.Load(context.Background(), ModelSpec{Size: "base"}, func(f float64) { progress = append(progress, f) })
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(progress) != 1 || progress[0] != 0.5 {
		t.Fatalf("expected progress [0.5], got %v", progress)
	}

	var partials []string
	text, err := model.Transcribe(context.Background(), Request{UtteranceID: 1, Samples: make([]int16, 320), SampleRate: 16000, Language: "en"}, func(p string) {
		partials = append(partials, p)
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world." {
		t.Fatalf("unexpected final %q", text)
	}
	if strings.Join(partials, "|") != "hello|hello world" {
		t.Fatalf("unexpected partials %v", partials)
	}
}

func TestExecBackendPassesSpecArguments(t *testing.T) {
	helper := writeHelper(t, `
echo "{\"text\":\"$*\",\"final\":true}"
`)
	backend, err := NewExecBackend(helper+" --verbose", "/models", 3)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	model, err := backend.Load(context.Background(), ModelSpec{Size: "tiny", Device: "cpu", ComputeType: "int8"}, func(float64) {})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	text, err := model.Transcribe(context.Background(), Request{Samples: make([]int16, 10), SampleRate: 16000, Language: "de"}, func(string) {})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	for _, want := range []string{"--verbose", "--model tiny", "--device cpu", "--compute-type int8", "--model-dir /models", "--language de", "--beam-size 3"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in args %q", want, text)
		}
	}
}

func TestExecBackendReportsHelperError(t *testing.T) {
	helper := writeHelper(t, `
case "$1" in
  --prepare) exit 0 ;;
esac
echo '{"error":"no speech model"}'
`)
	backend, err := NewExecBackend(helper, "", 0)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	model, err := backend.Load(context.Background(), ModelSpec{Size: "base"}, func(float64) {})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err = model.Transcribe(context.Background(), Request{Samples: make([]int16, 10), SampleRate: 16000}, func(string) {})
	if err == nil || !strings.Contains(err.Error(), "no speech model") {
		t.Fatalf("expected helper error, got %v", err)
	}
}

func TestExecBackendOversizedLineDoesNotHang(t *testing.T) {
	helper := writeHelper(t, `
case "$1" in
  --prepare) exit 0 ;;
esac
head -c 2097152 /dev/zero | tr '\000' a
echo
head -c 524288 /dev/zero | tr '\000' b
echo
`)
	backend, err := NewExecBackend(helper, "", 0)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	model, err := backend.Load(context.Background(), ModelSpec{Size: "base"}, func(float64) {})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = model.Transcribe(ctx, Request{Samples: make([]int16, 10), SampleRate: 16000}, func(string) {})
	if !errors.Is(err, bufio.ErrTooLong) {
		t.Fatalf("expected the oversized line to be reported, got %v", err)
	}
}

func TestExecBackendLoadFailure(t *testing.T) {
	helper := writeHelper(t, `
echo "model missing" >&2
exit 3
`)
	backend, err := NewExecBackend(helper, "", 0)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := backend.Load(context.Background(), ModelSpec{Size: "base"}, func(float64) {}); err == nil || !strings.Contains(err.Error(), "model missing") {
		t.Fatalf("expected load failure with stderr, got %v", err)
	}
}

func TestExecBackendCached(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "small"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	backend, err := NewExecBackend("true", dir, 0)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if !backend.Cached(ModelSpec{Size: "small"}) {
		t.Fatalf("expected small to be cached")
	}
	if backend.Cached(ModelSpec{Size: "large"}) {
		t.Fatalf("expected large to be missing")
	}
}

func TestNewExecBackendRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecBackend("   ", "", 0); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestDescribeDownload(t *testing.T) {
	if got := DescribeDownload(ModelSpec{Size: "base.en"}); got != "base.en model (~145 MB)" {
		t.Fatalf("unexpected description %q", got)
	}
	if got := DescribeDownload(ModelSpec{Size: "custom"}); got != "custom model" {
		t.Fatalf("unexpected description %q", got)
	}
}

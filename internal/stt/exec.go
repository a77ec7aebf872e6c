package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecBackend delegates to an external helper that speaks newline-delimited
// JSON on stdout. Loading runs the helper with --prepare; each utterance
// runs it with --audio pointing at a temporary WAV file.
type ExecBackend struct {
	cmd      []string
	modelDir string
	beamSize int
}

type execLine struct {
	Text     string   `json:"text"`
	Final    bool     `json:"final"`
	Progress *float64 `json:"progress"`
	Error    string   `json:"error"`
}

func NewExecBackend(command, modelDir string, beamSize int) (*ExecBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse asr command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("asr command is empty")
	}
	if beamSize <= 0 {
		beamSize = 5
	}
	return &ExecBackend{cmd: args, modelDir: modelDir, beamSize: beamSize}, nil
}

func (b *ExecBackend) Name() string { return "exec" }

func (b *ExecBackend) Cached(spec ModelSpec) bool {
	if b.modelDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(b.modelDir, spec.Size))
	return err == nil
}

func (b *ExecBackend) specArgs(spec ModelSpec) []string {
	args := []string{"--model", spec.Size}
	if spec.Device != "" {
		args = append(args, "--device", spec.Device)
	}
	if spec.ComputeType != "" {
		args = append(args, "--compute-type", spec.ComputeType)
	}
	if b.modelDir != "" {
		args = append(args, "--model-dir", b.modelDir)
	}
	return args
}

func (b *ExecBackend) Load(ctx context.Context, spec ModelSpec, progress func(float64)) (Model, error) {
	args := append([]string{"--prepare"}, b.specArgs(spec)...)
	err := b.run(ctx, args, func(line execLine) {
		if line.Progress != nil && *line.Progress > 0 && *line.Progress < 1 {
			progress(*line.Progress)
		}
	})
	if err != nil {
		return nil, err
	}
	return &execModel{backend: b, spec: spec}, nil
}

// run starts the helper and feeds every decoded stdout line to onLine.
func (b *ExecBackend) run(ctx context.Context, extra []string, onLine func(execLine)) error {
	args := append(append([]string{}, b.cmd[1:]...), extra...)
	cmd := exec.CommandContext(ctx, b.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start asr command: %w", err)
	}

	var helperErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line execLine
		if err := json.Unmarshal(raw, &line); err != nil {
			helperErr = fmt.Errorf("decode asr output: %w", err)
			break
		}
		if line.Error != "" {
			helperErr = errors.New(line.Error)
			continue
		}
		onLine(line)
	}
	scanErr := scanner.Err()
	// the helper blocks on a full pipe unless the rest of its output is read
	if helperErr != nil || scanErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("asr command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if helperErr != nil {
		return helperErr
	}
	return scanErr
}

type execModel struct {
	backend *ExecBackend
	spec    ModelSpec
}

func (m *execModel) Transcribe(ctx context.Context, req Request, partial func(string)) (string, error) {
	file, err := os.CreateTemp("", "dictate_utterance_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if err := audio.WriteWAV(file, req.Samples, req.SampleRate, 1); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close wav: %w", err)
	}

	args := append([]string{"--audio", file.Name()}, m.backend.specArgs(m.spec)...)
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}
	args = append(args, "--beam-size", strconv.Itoa(m.backend.beamSize))

	var final string
	var sawFinal bool
	var last string
	err = m.backend.run(ctx, args, func(line execLine) {
		if line.Final {
			final = line.Text
			sawFinal = true
			return
		}
		last = line.Text
		partial(line.Text)
	})
	if err != nil {
		return "", err
	}
	if !sawFinal {
		final = last
	}
	return final, nil
}

func (m *execModel) Close() error { return nil }

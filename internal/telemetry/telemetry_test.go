package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"go.opentelemetry.io/otel"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTracesOffByDefault(t *testing.T) {
	var spans bytes.Buffer
	tel, err := setup(context.Background(), config.Default(), "1.2.3", newLogger(), &spans)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if tel.Traces != "off" {
		t.Fatalf("expected traces off without an endpoint, got %s", tel.Traces)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "stt.transcribe")
	if span.IsRecording() {
		t.Fatalf("expected a non-recording span")
	}
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if spans.Len() != 0 {
		t.Fatalf("expected nothing written, got %q", spans.String())
	}
}

func TestStderrTracesCarryVersion(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.Traces = "stderr"
	var spans bytes.Buffer
	tel, err := setup(context.Background(), cfg, "1.2.3", newLogger(), &spans)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "stt.transcribe")
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := spans.String()
	if !strings.Contains(out, "stt.transcribe") {
		t.Fatalf("expected span to be exported, got %q", out)
	}
	if !strings.Contains(out, "service.version") || !strings.Contains(out, "1.2.3") {
		t.Fatalf("expected service version on the resource, got %q", out)
	}
}

func TestPrometheusHandlerServesMeters(t *testing.T) {
	tel, err := setup(context.Background(), config.Default(), "dev", newLogger(), io.Discard)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	if tel.Handler == nil {
		t.Fatalf("expected a scrape handler")
	}

	counter, err := otel.Meter("test").Int64Counter("dictate.test.events")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "dictate_test_events") {
		t.Fatalf("expected otel counter in scrape output")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go runtime collector in scrape output")
	}
}

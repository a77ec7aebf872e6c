package pipeline

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetricsRecordUtterance(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	h := newHarness(t, &scriptBackend{cached: true}, WithMetrics(m))
	reg, err := m.Observe(h.c)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	t.Cleanup(func() { _ = reg.Unregister() })

	h.speak(t, 5)
	if _, err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.waitFinal(t, 1)
	h.waitState(t, Idle)

	data := collect(t, reader)

	utterances, ok := data["dictate.utterances"].(metricdata.Sum[int64])
	if !ok || len(utterances.DataPoints) != 1 || utterances.DataPoints[0].Value != 1 {
		t.Fatalf("expected one final utterance, got %+v", data["dictate.utterances"])
	}
	if v, _ := utterances.DataPoints[0].Attributes.Value("outcome"); v.AsString() != "final" {
		t.Fatalf("expected outcome=final, got %s", v.AsString())
	}

	hist, ok := data["dictate.transcription.duration"].(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("expected one latency sample, got %+v", data["dictate.transcription.duration"])
	}

	processed, ok := data["dictate.frames.processed"].(metricdata.Gauge[int64])
	if !ok || len(processed.DataPoints) != 1 || processed.DataPoints[0].Value < 5 {
		t.Fatalf("expected processed frames gauge, got %+v", data["dictate.frames.processed"])
	}

	states, ok := data["dictate.state"].(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("expected state gauge")
	}
	active := 0
	for _, dp := range states.DataPoints {
		if dp.Value == 1 {
			active++
			if v, _ := dp.Attributes.Value("state"); v.AsString() != "idle" {
				t.Fatalf("expected idle to be active, got %s", v.AsString())
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active state, got %d", active)
	}
}

package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/loqalabs/loqa-dictate/pipeline"

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32,
}

// Metrics holds the controller's instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	meter metric.Meter

	// TranscriptionDuration is submit-to-final latency in seconds.
	TranscriptionDuration metric.Float64Histogram
	// Utterances counts finished utterances by outcome ("final", "failed").
	Utterances       metric.Int64Counter
	SegmentsAborted  metric.Int64Counter
	Transitions      metric.Int64Counter
	Errors           metric.Int64Counter
	DiscardedResults metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.TranscriptionDuration, err = m.Float64Histogram("dictate.transcription.duration",
		metric.WithDescription("Time from segment hand-off to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("dictate.utterances",
		metric.WithDescription("Utterances finished, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsAborted, err = m.Int64Counter("dictate.segments.aborted",
		metric.WithDescription("Segments discarded for containing too little speech."),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("dictate.state.transitions",
		metric.WithDescription("Pipeline state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("dictate.errors",
		metric.WithDescription("Errors surfaced to collaborators, by kind."),
	); err != nil {
		return nil, err
	}
	if met.DiscardedResults, err = m.Int64Counter("dictate.results.discarded",
		metric.WithDescription("Transcription results dropped because the pipeline had moved on."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func noopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// Observe registers gauges that read live counters from c on every
// collection.
func (m *Metrics) Observe(c *Controller) (metric.Registration, error) {
	dropped, err := m.meter.Int64ObservableGauge("dictate.frames.dropped",
		metric.WithDescription("Frames discarded by the capture queue on overflow."))
	if err != nil {
		return nil, err
	}
	processed, err := m.meter.Int64ObservableGauge("dictate.frames.processed",
		metric.WithDescription("Frames classified by the speech gate."))
	if err != nil {
		return nil, err
	}
	state, err := m.meter.Int64ObservableGauge("dictate.state",
		metric.WithDescription("Current pipeline state, 1 for the active state."))
	if err != nil {
		return nil, err
	}
	restarts, err := m.meter.Int64ObservableGauge("dictate.watchdog.restarts",
		metric.WithDescription("Watchdog restarts per component."))
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(dropped, int64(c.DroppedFrames()))
		o.ObserveInt64(processed, int64(c.frames.Load()))
		current := c.State()
		for s := Idle; s <= Error; s++ {
			v := int64(0)
			if s == current {
				v = 1
			}
			o.ObserveInt64(state, v, metric.WithAttributes(attribute.String("state", s.String())))
		}
		for comp, n := range c.Restarts() {
			o.ObserveInt64(restarts, int64(n), metric.WithAttributes(attribute.String("target", comp)))
		}
		return nil
	}, dropped, processed, state, restarts)
}

// Package telemetry installs the process-wide tracer and meter providers for
// the dictation daemon.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Telemetry struct {
	// Handler serves the Prometheus scrape endpoint. It is nil when the
	// exporter could not be created.
	Handler http.Handler
	// Traces is the span exporter in use: off, stderr or otlp.
	Traces  string

	shutdown []func(context.Context) error
}

// Setup builds the providers described by cfg and installs them globally.
func Setup(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) (*Telemetry, error) {
	return setup(ctx, cfg, version, logger, os.Stderr)
}

func setup(ctx context.Context, cfg config.Config, version string, logger *slog.Logger, spans io.Writer) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(version),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{Traces: cfg.Telemetry.TraceExporter()}
	tp, traceShutdown, err := newTracerProvider(ctx, cfg.Telemetry, res, spans)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	t.shutdown = append(t.shutdown, traceShutdown)

	mp, handler := newMeterProvider(res, logger)
	otel.SetMeterProvider(mp)
	t.Handler = handler
	t.shutdown = append(t.shutdown, mp.Shutdown)

	logger.Info("telemetry initialized",
		slog.String("traces", t.Traces),
		slog.Bool("prometheus", handler != nil),
		slog.String("version", version))
	return t, nil
}

// Shutdown flushes pending spans and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		if err := t.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, spans io.Writer) (trace.TracerProvider, func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	switch cfg.TraceExporter() {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		exporter = exp
	case "stderr":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(spans))
		if err != nil {
			return nil, nil, err
		}
		exporter = exp
	default:
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return tp, tp.Shutdown, nil
}

func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return mp, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

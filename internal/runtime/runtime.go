package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/audio/mic"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/router"
	"github.com/loqalabs/loqa-dictate/internal/stt"
	"github.com/loqalabs/loqa-dictate/internal/stt/whisper"
	"github.com/loqalabs/loqa-dictate/internal/telemetry"
	"github.com/loqalabs/loqa-dictate/internal/vad"
	"github.com/loqalabs/loqa-dictate/internal/vad/webrtc"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	bus    *bus.Client
	ctrl   *pipeline.Controller
	router *router.Service
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := telemetry.Setup(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.Shutdown
	metricHandler := tel.Handler

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer r.bus.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()
	recorder := eventstore.NewRecorder(store, r.logger, 256)

	backend, err := newBackend(r.cfg.ASR, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create transcription backend: %w", err)
	}

	opener, err := mic.NewOpener(r.logger)
	if err != nil {
		return fmt.Errorf("failed to initialise audio: %w", err)
	}
	defer opener.Close()

	metrics, err := pipeline.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	opts := []pipeline.Option{pipeline.WithMetrics(metrics)}
	if r.cfg.ASR.AutoConsent {
		opts = append(opts, pipeline.WithConsentPolicy(stt.StaticConsent{Approve: true, Log: r.logger}))
	}

	sink := pipeline.MultiSink{router.NewPublisher(r.bus, r.logger), recorder}
	r.ctrl = pipeline.New(controllerConfig(r.cfg), opener, newClassifier(r.cfg.VAD, r.logger), backend, sink, r.logger, opts...)
	if reg, err := metrics.Observe(r.ctrl); err != nil {
		r.logger.Warn("failed to register pipeline gauges", slog.String("error", err.Error()))
	} else {
		defer reg.Unregister()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.ctrl.Run(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error { return pruneLoop(gctx, store, r.logger) })

	r.router = router.NewService(gctx, r.bus, r.ctrl, recorder, r.logger)
	if err := r.router.Start(); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("failed to start command router: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/state", r.handleState)

	if metricHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricHandler)
			r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, "metrics")
		} else {
			mux.Handle("/metrics", metricHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("backend", backend.Name()))

	<-gctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	r.router.Close()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	cancel()
	runErr := g.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func controllerConfig(cfg config.Config) pipeline.Config {
	frame := time.Duration(cfg.Audio.FrameDurationMS) * time.Millisecond
	return pipeline.Config{
		Capture: audio.CaptureConfig{
			Format: audio.Format{
				SampleRate:    cfg.Audio.SampleRate,
				Channels:      cfg.Audio.Channels,
				FrameDuration: frame,
			},
			ReadTimeout:    time.Duration(cfg.Audio.ReadTimeoutMS) * time.Millisecond,
			StallTimeout:   time.Duration(cfg.Audio.StallTimeoutMS) * time.Millisecond,
			ReopenAttempts: cfg.Audio.ReopenAttempts,
			ReopenBackoff:  time.Duration(cfg.Audio.ReopenBackoffMS) * time.Millisecond,
		},
		Gate: vad.GateConfig{
			SampleRate:      cfg.Audio.SampleRate,
			FrameDuration:   frame,
			SilenceTimeout:  time.Duration(cfg.VAD.SilenceTimeoutMS) * time.Millisecond,
			AutoStop:        cfg.VAD.AutoStop,
			EnergyThreshold: cfg.VAD.EnergyThreshold,
			EnergyOr:        cfg.VAD.EnergyOr,
			MinSpeech:       time.Duration(cfg.VAD.MinSpeechMS) * time.Millisecond,
		},
		QueueFrames: cfg.Audio.QueueFrames,
		Backlog:     cfg.ASR.Backlog,
		Device:      cfg.Audio.Device,
		Model: stt.ModelSpec{
			Size:        cfg.ASR.ModelSize,
			Language:    cfg.ASR.Language,
			ComputeType: cfg.ASR.ComputeType,
			Device:      cfg.ASR.Device,
		},
		WatchdogBackoff: time.Duration(cfg.Watchdog.BackoffMS) * time.Millisecond,
	}
}

func newBackend(cfg config.ASRConfig, logger *slog.Logger) (stt.Backend, error) {
	switch cfg.Backend {
	case "", "mock":
		return stt.NewMockBackend(), nil
	case "exec":
		b, err := stt.NewExecBackend(cfg.Command, cfg.ModelDir, cfg.BeamSize)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "whisper":
		return whisper.New(cfg.ModelDir, cfg.DownloadURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown asr backend %q", cfg.Backend)
	}
}

// newClassifier prefers the WebRTC detector and falls back to plain energy
// thresholding when it cannot be created.
func newClassifier(cfg config.VADConfig, logger *slog.Logger) vad.Classifier {
	c, err := webrtc.New(cfg.Aggressiveness)
	if err != nil {
		logger.Warn("webrtc vad unavailable, using energy detection", slog.String("error", err.Error()))
		return vad.Energy{Threshold: cfg.EnergyThreshold}
	}
	return c
}

func pruneLoop(ctx context.Context, store *eventstore.Store, logger *slog.Logger) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil {
				logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.ctrl.Running() && r.router.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleState(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	st, err := r.ctrl.Status(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

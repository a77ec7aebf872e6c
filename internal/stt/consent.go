package stt

import (
	"context"
	"log/slog"
)

// Consent gates model downloads. ConfirmDownload may block until a user
// answers; ReportDownloadProgress receives 0.0 at start, 1.0 when done and
// -1.0 on failure.
type Consent interface {
	ConfirmDownload(ctx context.Context, spec ModelSpec) (bool, error)
	ReportDownloadProgress(spec ModelSpec, fraction float64)
}

// StaticConsent answers every request the same way. It backs the
// auto_consent setting.
type StaticConsent struct {
	Approve bool
	Log     *slog.Logger
}

func (s StaticConsent) ConfirmDownload(_ context.Context, spec ModelSpec) (bool, error) {
	if s.Log != nil {
		s.Log.Info("model download consent answered by configuration",
			slog.String("model", spec.String()),
			slog.Bool("approved", s.Approve))
	}
	return s.Approve, nil
}

func (s StaticConsent) ReportDownloadProgress(spec ModelSpec, fraction float64) {
	if s.Log != nil {
		s.Log.Debug("model download progress", slog.String("model", spec.String()), slog.Float64("fraction", fraction))
	}
}

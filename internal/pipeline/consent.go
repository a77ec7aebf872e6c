package pipeline

import (
	"context"

	"github.com/loqalabs/loqa-dictate/internal/stt"
)

type consentAsk struct {
	spec  stt.ModelSpec
	reply chan bool
}

type downloadProgress struct {
	spec     stt.ModelSpec
	fraction float64
}

// consentBroker is the worker's stt.Consent. Questions travel to the
// controller loop, which publishes them as events and answers them when
// RespondConsent arrives. With a fixed policy configured the answer comes
// from that policy and only progress is relayed.
type consentBroker struct {
	c      *Controller
	policy stt.Consent
}

func (b *consentBroker) ConfirmDownload(ctx context.Context, spec stt.ModelSpec) (bool, error) {
	if b.policy != nil {
		return b.policy.ConfirmDownload(ctx, spec)
	}
	ask := consentAsk{spec: spec, reply: make(chan bool, 1)}
	select {
	case b.c.internal <- ask:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-b.c.quit:
		return false, ErrClosed
	}
	select {
	case ok := <-ask.reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-b.c.quit:
		return false, ErrClosed
	}
}

func (b *consentBroker) ReportDownloadProgress(spec stt.ModelSpec, fraction float64) {
	if b.policy != nil {
		b.policy.ReportDownloadProgress(spec, fraction)
	}
	b.c.post(downloadProgress{spec: spec, fraction: fraction})
}

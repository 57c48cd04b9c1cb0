package dispatch

import (
	"context"
	"time"

	"github.com/assistline/smsgate/internal/carrier"
	"github.com/assistline/smsgate/internal/usage"
)

// TickRetries processes one batch of attempts whose next_retry_at has
// passed: each is re-posted to the carrier under a fresh sid on the same
// logical attempt. Failures during the resend go back through the same
// transient/permanent routing as status callbacks.
func (d *Dispatcher) TickRetries(ctx context.Context, now time.Time) (int, error) {
	due, err := d.attempts.DueRetries(ctx, now, d.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for i := range due {
		d.resend(ctx, &due[i])
	}
	return len(due), nil
}

func (d *Dispatcher) resend(ctx context.Context, attempt *usage.Attempt) {
	d.metrics.ObserveRetry()
	result, err := d.carrier.Send(ctx, carrier.SendRequest{
		From:           d.opts.FromNumber,
		To:             attempt.PhoneE164,
		Body:           attempt.Body,
		StatusCallback: d.opts.StatusCallbackURL,
	})
	if err != nil {
		d.log.Warn("resend failed", "attempt_id", attempt.ID, "retry", attempt.RetryCount, "error", err)
		if ferr := d.failAttempt(ctx, attempt.ID, attempt.RetryCount, usage.StatusFailed, codeOf(err), err.Error(), d.classifier.ClassifyError(err)); ferr != nil {
			d.log.Error("resend failure handling", "attempt_id", attempt.ID, "error", ferr)
		}
		return
	}

	if err := d.attempts.AttachCarrierSID(ctx, attempt.ID, result.SID); err != nil {
		d.log.Error("attach resend sid", "attempt_id", attempt.ID, "error", err)
		return
	}
	if err := d.attempts.ClearRetry(ctx, attempt.ID); err != nil {
		d.log.Error("clear retry", "attempt_id", attempt.ID, "error", err)
		return
	}
	d.log.Info("resend dispatched", "attempt_id", attempt.ID, "sid", result.SID, "retry", attempt.RetryCount)
}

// RunRetryWorker ticks the retry queue until ctx is cancelled.
func (d *Dispatcher) RunRetryWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.log.Info("retry worker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("retry worker stopped")
			return
		case now := <-ticker.C:
			if _, err := d.TickRetries(ctx, now); err != nil {
				d.log.Error("retry tick", "error", err)
			}
		}
	}
}

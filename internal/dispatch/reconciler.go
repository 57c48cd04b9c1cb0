package dispatch

import (
	"context"
	"time"

	"github.com/assistline/smsgate/internal/carrier"
	"github.com/assistline/smsgate/internal/usage"
)

// stuckAfter is how long an outbound may sit in queued/sending with no
// pending retry before it counts as a transient failure.
const stuckAfter = 5 * time.Minute

// ReconcileOnce sweeps attempts the status-callback flow lost track of:
// day-old non-terminal rows are failed outright, and queued-stuck sends
// are routed through the transient failure path so they get retried.
func (d *Dispatcher) ReconcileOnce(ctx context.Context, now time.Time) error {
	stuck, err := d.attempts.StuckQueued(ctx, now.Add(-stuckAfter), d.opts.BatchSize)
	if err != nil {
		return err
	}
	for i := range stuck {
		a := &stuck[i]
		d.log.Warn("attempt stuck in queue", "attempt_id", a.ID, "provider_status", a.ProviderStatus)
		if err := d.failAttempt(ctx, a.ID, a.RetryCount, usage.StatusFailed, "", "stuck without status callback", carrier.ClassTransient); err != nil {
			d.log.Error("reconcile stuck attempt", "attempt_id", a.ID, "error", err)
		}
	}

	stale, err := d.attempts.StaleNonTerminal(ctx, now.Add(-d.opts.StaleAge), d.opts.BatchSize)
	if err != nil {
		return err
	}
	for i := range stale {
		a := &stale[i]
		if _, err := d.attempts.MarkFailed(ctx, a.ID, usage.StatusFailed, "", "no terminal status within 24h"); err != nil {
			d.log.Error("reconcile stale attempt", "attempt_id", a.ID, "error", err)
			continue
		}
		d.log.Warn("stale attempt closed", "attempt_id", a.ID, "age", now.Sub(a.UpdatedAt))
	}
	return nil
}

// RunReconciler sweeps on an interval until ctx is cancelled.
func (d *Dispatcher) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.log.Info("reconciler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("reconciler stopped")
			return
		case now := <-ticker.C:
			if err := d.ReconcileOnce(ctx, now); err != nil {
				d.log.Error("reconcile", "error", err)
			}
		}
	}
}

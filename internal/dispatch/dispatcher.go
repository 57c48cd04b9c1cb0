// Package dispatch sends outbound SMS, reconciles carrier status
// callbacks, and drives retries of transient failures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/assistline/smsgate/internal/carrier"
	"github.com/assistline/smsgate/internal/observability/metrics"
	"github.com/assistline/smsgate/internal/phone"
	"github.com/assistline/smsgate/internal/usage"
	"github.com/assistline/smsgate/pkg/logging"
)

var tracer = otel.Tracer("smsgate/dispatch")

// MaxBodyLength is the longest body a single logical attempt may carry;
// the carrier splits it into segments on its side.
const MaxBodyLength = 1600

var (
	// ErrBodyTooLong rejects bodies over MaxBodyLength.
	ErrBodyTooLong = errors.New("dispatch: body exceeds 1600 characters")
	// ErrBudgetExceeded rejects sends past the user's monthly budget.
	ErrBudgetExceeded = errors.New("dispatch: monthly budget exceeded")
	// ErrOptedOut rejects sends to numbers with an active opt-out.
	ErrOptedOut = errors.New("dispatch: recipient opted out")
)

// carrierClient is the slice of carrier.Client the dispatcher drives.
type carrierClient interface {
	Send(ctx context.Context, req carrier.SendRequest) (*carrier.SendResult, error)
}

// attemptStore is the slice of usage.Store the dispatcher drives.
type attemptStore interface {
	InsertAttempt(ctx context.Context, rec usage.Attempt) (uuid.UUID, error)
	AttachCarrierSID(ctx context.Context, attemptID uuid.UUID, sid string) error
	FindBySID(ctx context.Context, sid string) (*usage.Attempt, error)
	UpdateProviderStatus(ctx context.Context, id uuid.UUID, providerStatus string) error
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, status usage.FinalStatus, errorCode, errorMessage string) (bool, error)
	ScheduleRetry(ctx context.Context, id uuid.UUID, errorCode string, nextRetryAt time.Time) error
	ClearRetry(ctx context.Context, id uuid.UUID) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]usage.Attempt, error)
	StaleNonTerminal(ctx context.Context, cutoff time.Time, limit int) ([]usage.Attempt, error)
	StuckQueued(ctx context.Context, cutoff time.Time, limit int) ([]usage.Attempt, error)
	IncrementOutbound(ctx context.Context, userID int64, yearMonth string, costCents int) error
	MonthlyOutboundCount(ctx context.Context, userID int64, yearMonth string) (int, error)
}

// optOutChecker is the slice of identity.Store the dispatcher consults.
type optOutChecker interface {
	IsOptedOut(ctx context.Context, e164 string) (bool, error)
}

// Options tune a dispatcher; zero values take the documented defaults.
type Options struct {
	FromNumber        string
	StatusCallbackURL string
	MaxRetries        int
	RetryBase         time.Duration
	RetryMax          time.Duration
	MonthlyBudget     int // 0 disables the budget check
	Costs             phone.CostTable
	BatchSize         int
	StaleAge          time.Duration
}

// Dispatcher owns the outbound half of the gateway.
type Dispatcher struct {
	carrier    carrierClient
	classifier *carrier.Classifier
	attempts   attemptStore
	optOuts    optOutChecker
	opts       Options
	metrics    *metrics.Metrics
	log        *logging.Logger
}

func New(cc carrierClient, cl *carrier.Classifier, attempts attemptStore, optOuts optOutChecker, opts Options, m *metrics.Metrics, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if cl == nil {
		cl = carrier.NewClassifier(nil, nil)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 30 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Minute
	}
	if opts.Costs == nil {
		opts.Costs = phone.DefaultCostTable()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.StaleAge <= 0 {
		opts.StaleAge = 24 * time.Hour
	}
	return &Dispatcher{
		carrier:    cc,
		classifier: cl,
		attempts:   attempts,
		optOuts:    optOuts,
		opts:       opts,
		metrics:    m,
		log:        logger.Component("dispatch"),
	}
}

// SendOptions flag special sends. Verification codes bypass the opt-out
// block so an aborted sender can still finish signup later; compliance
// notices bypass it so the STOP confirmation itself is deliverable.
type SendOptions struct {
	VerificationCode bool
	ComplianceNotice bool
}

func (o SendOptions) exemptFromOptOut() bool {
	return o.VerificationCode || o.ComplianceNotice
}

// Send posts one outbound SMS and logs it as a single logical attempt.
// Policy rejections (budget, opt-out, length) return before any attempt
// row is written. A carrier failure on the first post is handled like a
// failed status callback: transient failures get a retry scheduled,
// permanent ones close the attempt.
func (d *Dispatcher) Send(ctx context.Context, userID *int64, to, body string, opts SendOptions) (uuid.UUID, error) {
	ctx, span := tracer.Start(ctx, "dispatch.send")
	defer span.End()

	if utf8.RuneCountInString(body) > MaxBodyLength {
		return uuid.Nil, ErrBodyTooLong
	}

	if !opts.exemptFromOptOut() && d.optOuts != nil {
		blocked, err := d.optOuts.IsOptedOut(ctx, to)
		if err != nil {
			span.RecordError(err)
			return uuid.Nil, fmt.Errorf("dispatch: opt-out check: %w", err)
		}
		if blocked {
			d.metrics.ObserveOutbound("opted_out")
			return uuid.Nil, ErrOptedOut
		}
	}

	now := time.Now()
	if d.opts.MonthlyBudget > 0 && userID != nil {
		count, err := d.attempts.MonthlyOutboundCount(ctx, *userID, usage.YearMonth(now))
		if err != nil {
			span.RecordError(err)
			return uuid.Nil, fmt.Errorf("dispatch: budget check: %w", err)
		}
		if count >= d.opts.MonthlyBudget {
			d.metrics.ObserveOutbound("budget_exceeded")
			return uuid.Nil, ErrBudgetExceeded
		}
	}

	country := phone.Country(to)
	attemptID, err := d.attempts.InsertAttempt(ctx, usage.Attempt{
		UserID:         userID,
		PhoneE164:      to,
		Direction:      usage.DirectionOut,
		Body:           body,
		ProviderStatus: "queued",
		FinalStatus:    usage.StatusUnknown,
		MaxRetries:     d.opts.MaxRetries,
		CostCents:      d.opts.Costs.CostCents(country),
		CountryCode:    country,
	})
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, fmt.Errorf("dispatch: log attempt: %w", err)
	}

	result, err := d.carrier.Send(ctx, carrier.SendRequest{
		From:           d.opts.FromNumber,
		To:             to,
		Body:           body,
		StatusCallback: d.opts.StatusCallbackURL,
	})
	if err != nil {
		span.RecordError(err)
		d.log.Warn("carrier send failed", "attempt_id", attemptID, "error", err)
		if ferr := d.failAttempt(ctx, attemptID, 0, usage.StatusFailed, codeOf(err), err.Error(), d.classifier.ClassifyError(err)); ferr != nil {
			return attemptID, ferr
		}
		return attemptID, nil
	}

	if err := d.attempts.AttachCarrierSID(ctx, attemptID, result.SID); err != nil {
		span.RecordError(err)
		return attemptID, fmt.Errorf("dispatch: attach sid: %w", err)
	}
	if err := d.attempts.UpdateProviderStatus(ctx, attemptID, result.Status); err != nil {
		span.RecordError(err)
		return attemptID, fmt.Errorf("dispatch: record status: %w", err)
	}

	d.metrics.ObserveOutbound("sent")
	d.log.Info("outbound dispatched", "attempt_id", attemptID, "sid", result.SID, "to", to)
	return attemptID, nil
}

// OnStatusCallback applies one carrier status update to its attempt.
// Unknown sids are logged and dropped; terminal attempts are never
// reopened.
func (d *Dispatcher) OnStatusCallback(ctx context.Context, sid, providerStatus, errorCode string) error {
	ctx, span := tracer.Start(ctx, "dispatch.status_callback")
	defer span.End()

	attempt, err := d.attempts.FindBySID(ctx, sid)
	if err != nil {
		if errors.Is(err, usage.ErrAttemptNotFound) {
			d.log.Warn("status callback for unknown sid", "sid", sid, "status", providerStatus)
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("dispatch: find attempt: %w", err)
	}
	if attempt.FinalStatus.IsTerminal() {
		return nil
	}

	switch providerStatus {
	case "queued", "sending", "sent":
		return d.attempts.UpdateProviderStatus(ctx, attempt.ID, providerStatus)

	case "delivered":
		changed, err := d.attempts.MarkDelivered(ctx, attempt.ID)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if changed && attempt.UserID != nil {
			if err := d.attempts.IncrementOutbound(ctx, *attempt.UserID, usage.YearMonth(time.Now()), attempt.CostCents); err != nil {
				span.RecordError(err)
				return fmt.Errorf("dispatch: usage increment: %w", err)
			}
		}
		d.metrics.ObserveOutbound("delivered")
		return nil

	case "failed", "undelivered":
		status := usage.StatusFailed
		if providerStatus == "undelivered" {
			status = usage.StatusUndelivered
		}
		return d.failAttempt(ctx, attempt.ID, attempt.RetryCount, status, errorCode, "carrier reported "+providerStatus, d.classifier.Classify(errorCode))

	default:
		d.log.Warn("unrecognized provider status", "sid", sid, "status", providerStatus)
		return nil
	}
}

// failAttempt routes one failure: transient failures with retry budget
// left get the next resend booked, everything else goes terminal.
func (d *Dispatcher) failAttempt(ctx context.Context, id uuid.UUID, retryCount int, status usage.FinalStatus, errorCode, message string, class carrier.Classification) error {
	if class == carrier.ClassTransient && retryCount < d.opts.MaxRetries {
		next := time.Now().Add(d.backoff(retryCount + 1))
		if err := d.attempts.ScheduleRetry(ctx, id, errorCode, next); err != nil {
			return fmt.Errorf("dispatch: schedule retry: %w", err)
		}
		d.metrics.ObserveRetry()
		d.log.Info("retry scheduled", "attempt_id", id, "retry", retryCount+1, "next_retry_at", next)
		return nil
	}
	if _, err := d.attempts.MarkFailed(ctx, id, status, errorCode, message); err != nil {
		return fmt.Errorf("dispatch: mark failed: %w", err)
	}
	d.metrics.ObserveOutbound(string(status))
	d.log.Info("attempt closed", "attempt_id", id, "status", status, "error_code", errorCode)
	return nil
}

// backoff computes the delay before resend n (1-based):
// base * 2^(n-1), jittered by ±20%, capped at RetryMax.
func (d *Dispatcher) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := d.opts.RetryBase << (n - 1)
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	delay = time.Duration(float64(delay) * jitter)
	if delay > d.opts.RetryMax {
		delay = d.opts.RetryMax
	}
	return delay
}

// codeOf extracts the carrier error code when the failure carries one.
func codeOf(err error) string {
	var apiErr *carrier.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

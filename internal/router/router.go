// Package router is the webhook entry point: it verifies, parses,
// dedupes, and routes inbound SMS to either the agent runtime or the
// onboarding engine, and feeds status callbacks to the dispatcher.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/assistline/smsgate/internal/agent"
	"github.com/assistline/smsgate/internal/carrier"
	"github.com/assistline/smsgate/internal/dispatch"
	"github.com/assistline/smsgate/internal/observability/metrics"
	"github.com/assistline/smsgate/internal/onboarding"
	"github.com/assistline/smsgate/internal/phone"
	"github.com/assistline/smsgate/internal/phonelock"
	"github.com/assistline/smsgate/internal/resolver"
	"github.com/assistline/smsgate/internal/usage"
	"github.com/assistline/smsgate/pkg/logging"
)

var tracer = otel.Tracer("smsgate/router")

const defaultOptOutWindow = 30 * 24 * time.Hour

// Known-user keyword replies.
const (
	replyStopConfirm = "You've been opted out and won't receive further messages. Reply START to opt back in."
	replyHelp        = "This is your assistant number. Text normally to chat, STOP to opt out, HELP for this message."
)

// phoneResolver is the slice of resolver.Resolver the router drives.
type phoneResolver interface {
	Resolve(ctx context.Context, e164 string) (*resolver.Identity, error)
}

// onboarder is the slice of onboarding.Engine the router drives.
type onboarder interface {
	Advance(ctx context.Context, phone, body, carrierID string) (string, error)
	AccountLinked(ctx context.Context, phone string, userID int64) (string, error)
}

// sender is the slice of dispatch.Dispatcher the router drives.
type sender interface {
	Send(ctx context.Context, userID *int64, to, body string, opts dispatch.SendOptions) (uuid.UUID, error)
	OnStatusCallback(ctx context.Context, sid, providerStatus, errorCode string) error
}

// inboundStore is the slice of usage.Store the router drives.
type inboundStore interface {
	InsertAttempt(ctx context.Context, rec usage.Attempt) (uuid.UUID, error)
	HasInbound(ctx context.Context, carrierSID string) (bool, error)
	IncrementInbound(ctx context.Context, userID int64, yearMonth string) error
}

// optOutRecorder is the slice of identity.Store the router drives for
// known-user STOP keywords.
type optOutRecorder interface {
	RecordOptOut(ctx context.Context, e164 string, until time.Time) error
}

// Router routes one inbound message through the gateway pipeline.
type Router struct {
	resolver     phoneResolver
	onboarding   onboarder
	agent        agent.Runtime
	dispatcher   sender
	attempts     inboundStore
	optOuts      optOutRecorder
	optOutWindow time.Duration
	locks        *phonelock.Mutex
	metrics      *metrics.Metrics
	log          *logging.Logger
}

func New(res phoneResolver, ob onboarder, rt agent.Runtime, d sender, attempts inboundStore, optOuts optOutRecorder, optOutWindow time.Duration, locks *phonelock.Mutex, m *metrics.Metrics, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.Default()
	}
	if locks == nil {
		locks = phonelock.New(0)
	}
	if optOutWindow <= 0 {
		optOutWindow = defaultOptOutWindow
	}
	return &Router{
		resolver:     res,
		onboarding:   ob,
		agent:        rt,
		dispatcher:   d,
		attempts:     attempts,
		optOuts:      optOuts,
		optOutWindow: optOutWindow,
		locks:        locks,
		metrics:      m,
		log:          logger.Component("router"),
	}
}

// HandleInbound processes one verified, parsed inbound message. It never
// returns an error the carrier should see; internal failures are logged
// and swallowed so the webhook stays a 200.
func (rt *Router) HandleInbound(ctx context.Context, in *carrier.Inbound) {
	ctx, span := tracer.Start(ctx, "router.inbound", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	from, _, err := phone.Normalize(in.From)
	if err != nil {
		// Invalid sender number: the carrier drops our empty response.
		rt.metrics.ObserveInbound("invalid_phone")
		rt.log.Info("dropping inbound with invalid sender", "from", in.From, "sid", in.MessageSID)
		return
	}

	unlock := rt.locks.Lock(from)
	defer unlock()

	dup, err := rt.attempts.HasInbound(ctx, in.MessageSID)
	if err != nil {
		span.RecordError(err)
		rt.log.Error("inbound dedupe check", "sid", in.MessageSID, "error", err)
		return
	}
	if dup {
		rt.metrics.ObserveInbound("duplicate")
		rt.log.Info("duplicate inbound dropped", "sid", in.MessageSID, "from", from)
		return
	}

	identity, err := rt.resolver.Resolve(ctx, from)
	if err != nil {
		span.RecordError(err)
		rt.log.Error("resolve sender", "from", from, "error", err)
		return
	}

	if in.NumMedia > 0 {
		rt.metrics.ObserveInbound("mms_rejected")
		var userID *int64
		if identity != nil && identity.Verified {
			userID = &identity.UserID
		}
		rt.countInbound(ctx, userID, from, in)
		rt.reply(ctx, userID, from, onboarding.ReplyMMSRejected)
		return
	}

	if identity != nil && identity.Verified {
		rt.handleKnown(ctx, identity.UserID, from, in)
		return
	}

	reply, err := rt.onboarding.Advance(ctx, from, in.Body, in.MessageSID)
	if err != nil {
		span.RecordError(err)
		rt.log.Error("onboarding advance", "from", from, "error", err)
	}
	rt.metrics.ObserveInbound("onboarding")
	rt.recordInbound(ctx, nil, from, in)
	if reply == "" {
		return
	}
	var opts dispatch.SendOptions
	if reply == onboarding.ReplyOptedOut {
		// The opt-out just recorded must not swallow its own confirmation.
		opts.ComplianceNotice = true
	}
	rt.replyWith(ctx, nil, from, reply, opts)
}

// handleKnown serves a verified user: keyword handling first, then the
// agent runtime under its deadline. The inbound counts toward usage even
// when the agent fails.
func (rt *Router) handleKnown(ctx context.Context, userID int64, from string, in *carrier.Inbound) {
	rt.metrics.ObserveInbound("known_user")
	rt.countInbound(ctx, &userID, from, in)

	switch strings.ToLower(strings.TrimSpace(in.Body)) {
	case "stop":
		if err := rt.optOuts.RecordOptOut(ctx, from, time.Now().Add(rt.optOutWindow)); err != nil {
			rt.log.Error("record opt-out", "from", from, "error", err)
			return
		}
		rt.replyWith(ctx, &userID, from, replyStopConfirm, dispatch.SendOptions{ComplianceNotice: true})
		return
	case "help":
		rt.reply(ctx, &userID, from, replyHelp)
		return
	}

	started := time.Now()
	reply, err := rt.agent.Handle(ctx, userID, in.Body)
	rt.metrics.ObserveAgent(time.Since(started).Seconds())
	if err != nil || strings.TrimSpace(reply) == "" {
		rt.log.Warn("agent failed, sending fallback", "user_id", userID, "error", err)
		reply = onboarding.ReplyFallback
	}
	rt.reply(ctx, &userID, from, reply)
}

// HandleAccountLinked is the signup-completion signal: it advances the
// phone's session to code verification and sends the code over SMS.
func (rt *Router) HandleAccountLinked(ctx context.Context, e164 string, userID int64) error {
	from, _, err := phone.Normalize(e164)
	if err != nil {
		return err
	}

	unlock := rt.locks.Lock(from)
	defer unlock()

	prompt, err := rt.onboarding.AccountLinked(ctx, from, userID)
	if err != nil {
		return err
	}
	// Code prompts go out even under an opt-out so signup can finish.
	if _, err := rt.dispatcher.Send(ctx, &userID, from, prompt, dispatch.SendOptions{VerificationCode: true}); err != nil {
		rt.log.Error("send code prompt", "to", from, "error", err)
	}
	return nil
}

// HandleStatus forwards one delivery-status callback to the dispatcher.
func (rt *Router) HandleStatus(ctx context.Context, st *carrier.Status) {
	if err := rt.dispatcher.OnStatusCallback(ctx, st.MessageSID, st.MessageStatus, st.ErrorCode); err != nil {
		rt.log.Error("status callback", "sid", st.MessageSID, "error", err)
	}
}

// countInbound records the accepted inbound and, for a known user, bumps
// the monthly inbound counter.
func (rt *Router) countInbound(ctx context.Context, userID *int64, from string, in *carrier.Inbound) {
	rt.recordInbound(ctx, userID, from, in)
	if userID == nil {
		return
	}
	if err := rt.attempts.IncrementInbound(ctx, *userID, usage.YearMonth(time.Now())); err != nil {
		rt.log.Error("inbound usage increment", "user_id", *userID, "error", err)
	}
}

// recordInbound logs the accepted inbound as a delivered attempt. An
// insert race with a concurrent duplicate is benign.
func (rt *Router) recordInbound(ctx context.Context, userID *int64, from string, in *carrier.Inbound) {
	_, err := rt.attempts.InsertAttempt(ctx, usage.Attempt{
		UserID:         userID,
		PhoneE164:      from,
		Direction:      usage.DirectionIn,
		Body:           in.Body,
		CarrierSID:     in.MessageSID,
		ProviderStatus: "received",
		FinalStatus:    usage.StatusDelivered,
		CountryCode:    in.FromCountry,
	})
	if err != nil && !errors.Is(err, usage.ErrDuplicateAttempt) {
		rt.log.Error("record inbound attempt", "sid", in.MessageSID, "error", err)
	}
}

// reply dispatches one outbound reply.
func (rt *Router) reply(ctx context.Context, userID *int64, to, body string) {
	rt.replyWith(ctx, userID, to, body, dispatch.SendOptions{})
}

func (rt *Router) replyWith(ctx context.Context, userID *int64, to, body string, opts dispatch.SendOptions) {
	if _, err := rt.dispatcher.Send(ctx, userID, to, body, opts); err != nil {
		rt.log.Error("send reply", "to", to, "error", err)
	}
}

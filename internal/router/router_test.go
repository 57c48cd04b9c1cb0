package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/assistline/smsgate/internal/carrier"
	"github.com/assistline/smsgate/internal/dispatch"
	"github.com/assistline/smsgate/internal/onboarding"
	"github.com/assistline/smsgate/internal/resolver"
	"github.com/assistline/smsgate/internal/usage"
)

type fakeResolver struct {
	known map[string]*resolver.Identity
}

func (f *fakeResolver) Resolve(_ context.Context, e164 string) (*resolver.Identity, error) {
	return f.known[e164], nil
}

type fakeOnboarder struct {
	reply     string
	prompt    string
	linkedErr error
	advanced  []string
	linked    []int64
}

func (f *fakeOnboarder) Advance(_ context.Context, _, body, _ string) (string, error) {
	f.advanced = append(f.advanced, body)
	if f.reply == "" {
		return onboarding.ReplyWelcome, nil
	}
	return f.reply, nil
}

func (f *fakeOnboarder) AccountLinked(_ context.Context, _ string, userID int64) (string, error) {
	if f.linkedErr != nil {
		return "", f.linkedErr
	}
	f.linked = append(f.linked, userID)
	if f.prompt == "" {
		return "Your verification code is 123456. It expires in 10 minutes.", nil
	}
	return f.prompt, nil
}

type fakeAgent struct {
	reply  string
	err    error
	handle func(text string) (string, error)
	calls  []string
}

func (f *fakeAgent) Handle(_ context.Context, _ int64, text string) (string, error) {
	f.calls = append(f.calls, text)
	if f.handle != nil {
		return f.handle(text)
	}
	return f.reply, f.err
}

type sentMessage struct {
	userID *int64
	to     string
	body   string
	opts   dispatch.SendOptions
}

type fakeSender struct {
	sent      []sentMessage
	callbacks []string
}

func (f *fakeSender) Send(_ context.Context, userID *int64, to, body string, opts dispatch.SendOptions) (uuid.UUID, error) {
	f.sent = append(f.sent, sentMessage{userID, to, body, opts})
	return uuid.New(), nil
}

func (f *fakeSender) OnStatusCallback(_ context.Context, sid, status, _ string) error {
	f.callbacks = append(f.callbacks, sid+":"+status)
	return nil
}

type fakeInbound struct {
	sids       map[string]bool
	attempts   []usage.Attempt
	increments []int64
}

func newFakeInbound() *fakeInbound {
	return &fakeInbound{sids: map[string]bool{}}
}

func (f *fakeInbound) InsertAttempt(_ context.Context, rec usage.Attempt) (uuid.UUID, error) {
	if f.sids[rec.CarrierSID] {
		return uuid.Nil, usage.ErrDuplicateAttempt
	}
	f.sids[rec.CarrierSID] = true
	f.attempts = append(f.attempts, rec)
	return uuid.New(), nil
}

func (f *fakeInbound) HasInbound(_ context.Context, sid string) (bool, error) {
	return f.sids[sid], nil
}

func (f *fakeInbound) IncrementInbound(_ context.Context, userID int64, _ string) error {
	f.increments = append(f.increments, userID)
	return nil
}

type fakeOptOutRecorder struct {
	recorded []string
}

func (f *fakeOptOutRecorder) RecordOptOut(_ context.Context, e164 string, _ time.Time) error {
	f.recorded = append(f.recorded, e164)
	return nil
}

type routerFixture struct {
	router     *Router
	resolver   *fakeResolver
	onboarding *fakeOnboarder
	agent      *fakeAgent
	sender     *fakeSender
	inbound    *fakeInbound
	optOuts    *fakeOptOutRecorder
}

func newFixture() *routerFixture {
	f := &routerFixture{
		resolver:   &fakeResolver{known: map[string]*resolver.Identity{}},
		onboarding: &fakeOnboarder{},
		agent:      &fakeAgent{reply: "agent says hi"},
		sender:     &fakeSender{},
		inbound:    newFakeInbound(),
		optOuts:    &fakeOptOutRecorder{},
	}
	f.router = New(f.resolver, f.onboarding, f.agent, f.sender, f.inbound, f.optOuts, 0, nil, nil, nil)
	return f
}

func inboundMsg(sid, from, body string) *carrier.Inbound {
	return &carrier.Inbound{
		MessageSID: sid,
		AccountSID: "AC1",
		From:       from,
		To:         "+15550000001",
		Body:       body,
	}
}

func TestInboundUnknownSenderGoesToOnboarding(t *testing.T) {
	f := newFixture()

	f.router.HandleInbound(context.Background(), inboundMsg("SM1", "+15551234567", "hi"))

	if len(f.onboarding.advanced) != 1 {
		t.Fatalf("expected onboarding advance, got %v", f.onboarding.advanced)
	}
	if len(f.agent.calls) != 0 {
		t.Fatal("expected agent untouched for unknown sender")
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].body != onboarding.ReplyWelcome {
		t.Fatalf("expected welcome reply, got %+v", f.sender.sent)
	}
	if f.sender.sent[0].userID != nil {
		t.Fatal("expected reply without user attribution")
	}
	if len(f.inbound.attempts) != 1 || f.inbound.attempts[0].UserID != nil {
		t.Fatalf("expected anonymous inbound attempt, got %+v", f.inbound.attempts)
	}
	if len(f.inbound.increments) != 0 {
		t.Fatal("expected no per-user counter for unknown sender")
	}
}

func TestInboundKnownUserGoesToAgent(t *testing.T) {
	f := newFixture()
	f.resolver.known["+15551234567"] = &resolver.Identity{UserID: 42, Verified: true}

	f.router.HandleInbound(context.Background(), inboundMsg("SM1", "+15551234567", "what's up"))

	if len(f.agent.calls) != 1 || f.agent.calls[0] != "what's up" {
		t.Fatalf("expected agent call, got %v", f.agent.calls)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].body != "agent says hi" {
		t.Fatalf("expected agent reply dispatched, got %+v", f.sender.sent)
	}
	if f.sender.sent[0].userID == nil || *f.sender.sent[0].userID != 42 {
		t.Fatal("expected reply attributed to user 42")
	}
	if len(f.inbound.increments) != 1 || f.inbound.increments[0] != 42 {
		t.Fatalf("expected inbound counter increment, got %v", f.inbound.increments)
	}
}

func TestInboundUnverifiedSenderStaysInOnboarding(t *testing.T) {
	f := newFixture()
	f.resolver.known["+15551234567"] = &resolver.Identity{UserID: 42, Verified: false}

	f.router.HandleInbound(context.Background(), inboundMsg("SM1", "+15551234567", "123456"))

	if len(f.agent.calls) != 0 {
		t.Fatal("expected unverified sender kept out of agent")
	}
	if len(f.onboarding.advanced) != 1 {
		t.Fatal("expected onboarding advance for unverified sender")
	}
}

func TestInboundAgentFailureSendsFallback(t *testing.T) {
	f := newFixture()
	f.resolver.known["+15551234567"] = &resolver.Identity{UserID: 42, Verified: true}
	f.agent.reply = ""
	f.agent.err = context.DeadlineExceeded

	f.router.HandleInbound(context.Background(), inboundMsg("SM1", "+15551234567", "hello"))

	if len(f.sender.sent) != 1 || f.sender.sent[0].body != onboarding.ReplyFallback {
		t.Fatalf("expected fallback reply, got %+v", f.sender.sent)
	}
	// The inbound still counts toward usage.
	if len(f.inbound.increments) != 1 {
		t.Fatal("expected inbound counter increment despite agent failure")
	}
}

func TestInboundDuplicateSidDropped(t *testing.T) {
	f := newFixture()
	msg := inboundMsg("SM1", "+15551234567", "hi")
	ctx := context.Background()

	f.router.HandleInbound(ctx, msg)
	f.router.HandleInbound(ctx, msg)

	if len(f.inbound.attempts) != 1 {
		t.Fatalf("expected one inbound attempt, got %d", len(f.inbound.attempts))
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("expected one reply, got %d", len(f.sender.sent))
	}
	if len(f.onboarding.advanced) != 1 {
		t.Fatalf("expected one onboarding advance, got %d", len(f.onboarding.advanced))
	}
}

func TestInboundInvalidPhoneDropped(t *testing.T) {
	f := newFixture()

	f.router.HandleInbound(context.Background(), inboundMsg("SM1", "not-a-number", "hi"))

	if len(f.inbound.attempts) != 0 || len(f.sender.sent) != 0 {
		t.Fatal("expected invalid sender silently dropped")
	}
}

func TestInboundMMSRejected(t *testing.T) {
	f := newFixture()
	msg := inboundMsg("SM1", "+15551234567", "")
	msg.NumMedia = 2

	f.router.HandleInbound(context.Background(), msg)

	if len(f.sender.sent) != 1 || f.sender.sent[0].body != onboarding.ReplyMMSRejected {
		t.Fatalf("expected MMS rejection reply, got %+v", f.sender.sent)
	}
	if len(f.agent.calls) != 0 || len(f.onboarding.advanced) != 0 {
		t.Fatal("expected MMS kept out of agent and onboarding")
	}
	if len(f.inbound.increments) != 0 {
		t.Fatal("expected no per-user counter for unknown sender")
	}
}

func TestInboundMMSFromKnownUserCounted(t *testing.T) {
	f := newFixture()
	f.resolver.known["+15551234567"] = &resolver.Identity{UserID: 42, Verified: true}
	msg := inboundMsg("SM1", "+15551234567", "")
	msg.NumMedia = 1

	f.router.HandleInbound(context.Background(), msg)

	if len(f.inbound.attempts) != 1 || f.inbound.attempts[0].UserID == nil || *f.inbound.attempts[0].UserID != 42 {
		t.Fatalf("expected attributed inbound attempt, got %+v", f.inbound.attempts)
	}
	if len(f.inbound.increments) != 1 || f.inbound.increments[0] != 42 {
		t.Fatalf("expected inbound counter increment, got %v", f.inbound.increments)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].body != onboarding.ReplyMMSRejected {
		t.Fatalf("expected MMS rejection reply, got %+v", f.sender.sent)
	}
	if f.sender.sent[0].userID == nil || *f.sender.sent[0].userID != 42 {
		t.Fatal("expected rejection attributed to user 42")
	}
	if len(f.agent.calls) != 0 {
		t.Fatal("expected MMS kept out of agent")
	}
}

func TestInboundStopFromKnownUser(t *testing.T) {
	f := newFixture()
	f.resolver.known["+15551234567"] = &resolver.Identity{UserID: 42, Verified: true}

	f.router.HandleInbound(context.Background(), inboundMsg("SM1", "+15551234567", " STOP "))

	if len(f.optOuts.recorded) != 1 || f.optOuts.recorded[0] != "+15551234567" {
		t.Fatalf("expected opt-out recorded, got %v", f.optOuts.recorded)
	}
	if len(f.agent.calls) != 0 {
		t.Fatal("expected STOP kept away from agent")
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].body != replyStopConfirm {
		t.Fatalf("expected stop confirmation, got %+v", f.sender.sent)
	}
	if !f.sender.sent[0].opts.ComplianceNotice {
		t.Fatal("expected confirmation exempt from the opt-out it records")
	}
}

func TestInboundStopDuringOnboardingConfirmed(t *testing.T) {
	f := newFixture()
	f.onboarding.reply = onboarding.ReplyOptedOut

	f.router.HandleInbound(context.Background(), inboundMsg("SM1", "+15551234567", "STOP"))

	if len(f.sender.sent) != 1 || f.sender.sent[0].body != onboarding.ReplyOptedOut {
		t.Fatalf("expected opt-out reply, got %+v", f.sender.sent)
	}
	if !f.sender.sent[0].opts.ComplianceNotice {
		t.Fatal("expected confirmation exempt from the opt-out it records")
	}
}

func TestInboundHelpFromKnownUser(t *testing.T) {
	f := newFixture()
	f.resolver.known["+15551234567"] = &resolver.Identity{UserID: 42, Verified: true}

	f.router.HandleInbound(context.Background(), inboundMsg("SM1", "+15551234567", "help"))

	if len(f.sender.sent) != 1 || f.sender.sent[0].body != replyHelp {
		t.Fatalf("expected help reply, got %+v", f.sender.sent)
	}
	if len(f.agent.calls) != 0 {
		t.Fatal("expected HELP kept away from agent")
	}
}

func TestAccountLinkedSendsCodePrompt(t *testing.T) {
	f := newFixture()

	if err := f.router.HandleAccountLinked(context.Background(), "+1 (555) 123-4567", 42); err != nil {
		t.Fatalf("account linked: %v", err)
	}
	if len(f.onboarding.linked) != 1 || f.onboarding.linked[0] != 42 {
		t.Fatalf("expected engine notified, got %v", f.onboarding.linked)
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("expected code prompt sent, got %+v", f.sender.sent)
	}
	sent := f.sender.sent[0]
	if sent.to != "+15551234567" {
		t.Fatalf("expected normalized recipient, got %q", sent.to)
	}
	if !sent.opts.VerificationCode {
		t.Fatal("expected verification-code send option")
	}
}

func TestAccountLinkedNoSession(t *testing.T) {
	f := newFixture()
	f.onboarding.linkedErr = onboarding.ErrNoSession

	err := f.router.HandleAccountLinked(context.Background(), "+15551234567", 42)
	if !errors.Is(err, onboarding.ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if len(f.sender.sent) != 0 {
		t.Fatal("expected nothing sent without a session")
	}
}

func TestInboundSameSenderServedInOrder(t *testing.T) {
	f := newFixture()
	f.resolver.known["+15551234567"] = &resolver.Identity{UserID: 42, Verified: true}

	entered := make(chan struct{})
	release := make(chan struct{})
	f.agent.handle = func(text string) (string, error) {
		if text == "first" {
			close(entered)
			<-release
		}
		return "echo " + text, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.router.HandleInbound(context.Background(), inboundMsg("SM1", "+15551234567", "first"))
	}()
	<-entered
	go func() {
		defer wg.Done()
		f.router.HandleInbound(context.Background(), inboundMsg("SM2", "+15551234567", "second"))
	}()
	// Let the second inbound park on the phone lock before releasing the first.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if len(f.sender.sent) != 2 {
		t.Fatalf("expected two replies, got %d", len(f.sender.sent))
	}
	if f.sender.sent[0].body != "echo first" || f.sender.sent[1].body != "echo second" {
		t.Fatalf("replies out of order: %q then %q", f.sender.sent[0].body, f.sender.sent[1].body)
	}
	if len(f.agent.calls) != 2 || f.agent.calls[0] != "first" || f.agent.calls[1] != "second" {
		t.Fatalf("agent saw messages out of order: %v", f.agent.calls)
	}
}

func TestHandleStatusForwards(t *testing.T) {
	f := newFixture()

	f.router.HandleStatus(context.Background(), &carrier.Status{MessageSID: "SM1", MessageStatus: "delivered"})

	if len(f.sender.callbacks) != 1 || f.sender.callbacks[0] != "SM1:delivered" {
		t.Fatalf("expected callback forwarded, got %v", f.sender.callbacks)
	}
}

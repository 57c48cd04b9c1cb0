package onboarding

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/assistline/smsgate/internal/identity"
	"github.com/assistline/smsgate/pkg/logging"
)

var engineTracer = otel.Tracer("smsgate/onboarding")

const (
	maxNameLength       = 100
	defaultOptOutWindow = 30 * 24 * time.Hour
)

var (
	consentYes = regexp.MustCompile(`^(yes|y|ok)$`)
	codeShape  = regexp.MustCompile(`^[0-9]{6}$`)
)

// ErrNoSession is returned by AccountLinked when the phone has no session
// waiting on signup.
var ErrNoSession = errors.New("onboarding: no session awaiting signup")

// sessionStore is the slice of Store the engine drives.
type sessionStore interface {
	GetActive(ctx context.Context, e164 string) (*Session, error)
	Create(ctx context.Context, e164 string) (*Session, error)
	Save(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, e164 string) error
}

// identityStore is the slice of identity.Store the engine drives.
type identityStore interface {
	CreatePhoneMapping(ctx context.Context, userID int64, e164 string, isPrimary, verified bool) (*identity.PhoneMapping, error)
	IssueVerification(ctx context.Context, userID int64, e164 string) (string, error)
	CheckVerification(ctx context.Context, userID int64, e164, code string) error
	RemainingAttempts(ctx context.Context, userID int64, e164 string) (int, error)
	RecordOptOut(ctx context.Context, e164 string, until time.Time) error
}

// invalidator lets the engine evict a number's resolver entry once its
// mapping changes.
type invalidator interface {
	Invalidate(ctx context.Context, e164 string)
}

// Engine drives the onboarding conversation. Every inbound produces a
// reply; internal failures fall back to a retry message so the sender is
// never left hanging.
type Engine struct {
	sessions     sessionStore
	identity     identityStore
	tokens       *TokenIssuer
	resolver     invalidator
	optOutWindow time.Duration
	log          *logging.Logger
}

func NewEngine(sessions sessionStore, ids identityStore, tokens *TokenIssuer, resolver invalidator, optOutWindow time.Duration, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if optOutWindow <= 0 {
		optOutWindow = defaultOptOutWindow
	}
	return &Engine{
		sessions:     sessions,
		identity:     ids,
		tokens:       tokens,
		resolver:     resolver,
		optOutWindow: optOutWindow,
		log:          logger.Component("onboarding"),
	}
}

// Advance applies one inbound message to the phone's session and returns
// the reply to send. A carrier retry of an already-processed message id
// replays the stored reply without re-applying the transition.
func (e *Engine) Advance(ctx context.Context, phone, body, carrierID string) (string, error) {
	ctx, span := engineTracer.Start(ctx, "onboarding.advance")
	defer span.End()

	sess, err := e.sessions.GetActive(ctx, phone)
	if err != nil {
		span.RecordError(err)
		return ReplyFallback, err
	}
	if sess == nil {
		sess, err = e.sessions.Create(ctx, phone)
		if err != nil {
			span.RecordError(err)
			return ReplyFallback, err
		}
	}

	if carrierID != "" && sess.Data.LastCarrierID == carrierID {
		e.log.Info("replaying onboarding reply", "phone", phone, "carrier_id", carrierID)
		return sess.Data.LastReply, nil
	}

	t := strings.ToLower(strings.TrimSpace(body))

	var (
		reply    string
		terminal bool
	)
	switch sess.CurrentStep {
	case StepWelcome:
		sess.CurrentStep = StepAwaitingConsent
		reply = ReplyWelcome

	case StepAwaitingConsent:
		switch {
		case consentYes.MatchString(t):
			sess.CurrentStep = StepAwaitingEmail
			reply = ReplyAskEmail
		case t == "stop":
			if err := e.identity.RecordOptOut(ctx, phone, time.Now().Add(e.optOutWindow)); err != nil {
				span.RecordError(err)
				return ReplyFallback, err
			}
			terminal = true
			reply = ReplyOptedOut
		default:
			reply = ReplyConsentRepeat
		}

	case StepAwaitingEmail:
		email, ok := parseEmail(body)
		if !ok {
			reply = ReplyBadEmail
			break
		}
		sess.Data.Email = email
		sess.CurrentStep = StepAwaitingName
		reply = ReplyAskName

	case StepAwaitingName:
		name := strings.TrimSpace(body)
		if name == "" || len(name) > maxNameLength {
			reply = ReplyBadName
			break
		}
		sess.Data.Name = name
		token, err := e.tokens.Issue(phone, sess.Data.Email, name)
		if err != nil {
			span.RecordError(err)
			return ReplyFallback, err
		}
		sess.Data.SignupToken = token
		sess.CurrentStep = StepAwaitingSignup
		reply = fmt.Sprintf(ReplySignupLink, e.tokens.SignupURL(token))

	case StepAwaitingSignup:
		if t == "resend" && sess.Data.SignupToken != "" {
			reply = fmt.Sprintf(ReplySignupLink, e.tokens.SignupURL(sess.Data.SignupToken))
			break
		}
		reply = ReplySignupWaiting

	case StepAwaitingCode:
		reply, terminal, err = e.checkCode(ctx, sess, t)
		if err != nil {
			span.RecordError(err)
			return ReplyFallback, err
		}

	default:
		// Terminal steps should never be stored, treat as a fresh start.
		sess.CurrentStep = StepAwaitingConsent
		reply = ReplyWelcome
	}

	if terminal {
		if err := e.sessions.Delete(ctx, phone); err != nil {
			span.RecordError(err)
			return ReplyFallback, err
		}
		return reply, nil
	}

	sess.Data.LastCarrierID = carrierID
	sess.Data.LastReply = reply
	if err := e.sessions.Save(ctx, sess); err != nil {
		span.RecordError(err)
		return ReplyFallback, err
	}
	return reply, nil
}

// checkCode runs the verification-code branch. It reports whether the
// session reached a terminal step.
func (e *Engine) checkCode(ctx context.Context, sess *Session, code string) (string, bool, error) {
	if sess.Data.UserID == 0 {
		return ReplySignupWaiting, false, nil
	}
	if !codeShape.MatchString(code) {
		left, err := e.identity.RemainingAttempts(ctx, sess.Data.UserID, sess.PhoneE164)
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf(ReplyCodeWrong, left), false, nil
	}

	err := e.identity.CheckVerification(ctx, sess.Data.UserID, sess.PhoneE164, code)
	switch {
	case err == nil:
		e.resolver.Invalidate(ctx, sess.PhoneE164)
		e.log.Info("phone verified", "phone", sess.PhoneE164, "user_id", sess.Data.UserID)
		return ReplyCodeAccepted, true, nil
	case errors.Is(err, identity.ErrWrongCode):
		left, lerr := e.identity.RemainingAttempts(ctx, sess.Data.UserID, sess.PhoneE164)
		if lerr != nil {
			return "", false, lerr
		}
		return fmt.Sprintf(ReplyCodeWrong, left), false, nil
	case errors.Is(err, identity.ErrCodeExpired), errors.Is(err, identity.ErrNoCode):
		return ReplyCodeExpired, true, nil
	case errors.Is(err, identity.ErrTooManyAttempts):
		return ReplyCodeLocked, true, nil
	default:
		return "", false, err
	}
}

// AccountLinked is the external signal that signup finished for a phone's
// session. It creates the (unverified, primary) mapping, issues the
// verification code, and returns the code prompt to send over SMS.
func (e *Engine) AccountLinked(ctx context.Context, phone string, userID int64) (string, error) {
	ctx, span := engineTracer.Start(ctx, "onboarding.account_linked")
	defer span.End()

	sess, err := e.sessions.GetActive(ctx, phone)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if sess == nil || sess.CurrentStep != StepAwaitingSignup {
		return "", ErrNoSession
	}

	if _, err := e.identity.CreatePhoneMapping(ctx, userID, phone, true, false); err != nil {
		if !errors.Is(err, identity.ErrDuplicatePhone) {
			span.RecordError(err)
			return "", err
		}
		// Mapping already exists for this number, proceed to verification.
		e.log.Info("phone already mapped, reissuing code", "phone", phone, "user_id", userID)
	}

	code, err := e.identity.IssueVerification(ctx, userID, phone)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	sess.Data.UserID = userID
	sess.CurrentStep = StepAwaitingCode
	if err := e.sessions.Save(ctx, sess); err != nil {
		span.RecordError(err)
		return "", err
	}
	return fmt.Sprintf(ReplyCodePrompt, code), nil
}

// parseEmail accepts only a bare RFC 5322 address, no display name.
func parseEmail(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", false
	}
	return addr.Address, true
}

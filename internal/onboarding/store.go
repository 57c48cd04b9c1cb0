// Package onboarding drives the conversational flow that turns an unknown
// sender into a user with a verified phone mapping.
package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Step is the session's position in the flow.
type Step string

const (
	StepWelcome            Step = "welcome"
	StepAwaitingConsent    Step = "awaiting_consent"
	StepAwaitingEmail      Step = "awaiting_email"
	StepAwaitingName       Step = "awaiting_name"
	StepAwaitingSignup     Step = "awaiting_signup_confirmation"
	StepAwaitingCode       Step = "awaiting_verification_code"
	StepCompleted          Step = "completed"
	StepAborted            Step = "aborted"
)

// SessionData is the JSON blob collected over the conversation. The last
// processed carrier id and its reply make transitions idempotent under
// carrier webhook retries.
type SessionData struct {
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
	SignupToken   string `json:"signup_token,omitempty"`
	UserID        int64  `json:"user_id,omitempty"`
	LastCarrierID string `json:"last_carrier_id,omitempty"`
	LastReply     string `json:"last_reply,omitempty"`
}

// Session is the per-phone onboarding conversation state.
type Session struct {
	ID          uuid.UUID
	PhoneE164   string
	CurrentStep Step
	Data        SessionData
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// PgxPool is the pool surface the store depends on.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists onboarding sessions. The unique index on phone_e164 keeps
// at most one session per number; expiry makes it "one active session".
type Store struct {
	pool PgxPool
	ttl  time.Duration
}

// NewStore builds a session store. ttl defaults to one hour.
func NewStore(pool PgxPool, ttl time.Duration) *Store {
	if pool == nil {
		return nil
	}
	if ttl <= 0 || ttl > time.Hour {
		ttl = time.Hour
	}
	return &Store{pool: pool, ttl: ttl}
}

// GetActive loads the non-expired session for a number; (nil, nil) when
// there is none or it has expired. Expired rows are left for Create to
// replace or HarvestExpired to sweep.
func (s *Store) GetActive(ctx context.Context, e164 string) (*Session, error) {
	query := `
		SELECT id, phone_e164, current_step, collected_data, created_at, updated_at, expires_at
		FROM onboarding_sessions
		WHERE phone_e164 = $1 AND expires_at > now()
	`
	var (
		sess Session
		data []byte
	)
	err := s.pool.QueryRow(ctx, query, e164).Scan(&sess.ID, &sess.PhoneE164, &sess.CurrentStep, &data, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("onboarding: get session: %w", err)
	}
	if err := json.Unmarshal(data, &sess.Data); err != nil {
		return nil, fmt.Errorf("onboarding: decode session data: %w", err)
	}
	return &sess, nil
}

// Create starts a fresh session for a number, replacing any prior row
// (expired or not) for that number.
func (s *Store) Create(ctx context.Context, e164 string) (*Session, error) {
	sess := Session{
		ID:          uuid.New(),
		PhoneE164:   e164,
		CurrentStep: StepWelcome,
	}
	data, err := json.Marshal(sess.Data)
	if err != nil {
		return nil, fmt.Errorf("onboarding: encode session data: %w", err)
	}
	query := `
		INSERT INTO onboarding_sessions (id, phone_e164, current_step, collected_data, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (phone_e164) DO UPDATE
		SET id = EXCLUDED.id,
			current_step = EXCLUDED.current_step,
			collected_data = EXCLUDED.collected_data,
			created_at = now(),
			updated_at = now(),
			expires_at = EXCLUDED.expires_at
		RETURNING created_at, updated_at, expires_at
	`
	if err := s.pool.QueryRow(ctx, query, sess.ID, e164, sess.CurrentStep, data, time.Now().Add(s.ttl)).
		Scan(&sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt); err != nil {
		return nil, fmt.Errorf("onboarding: create session: %w", err)
	}
	return &sess, nil
}

// Save persists a session's step and collected data.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess.Data)
	if err != nil {
		return fmt.Errorf("onboarding: encode session data: %w", err)
	}
	query := `
		UPDATE onboarding_sessions
		SET current_step = $2, collected_data = $3, updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, sess.ID, sess.CurrentStep, data); err != nil {
		return fmt.Errorf("onboarding: save session: %w", err)
	}
	return nil
}

// Delete removes a number's session on completion or abort.
func (s *Store) Delete(ctx context.Context, e164 string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM onboarding_sessions WHERE phone_e164 = $1`, e164); err != nil {
		return fmt.Errorf("onboarding: delete session: %w", err)
	}
	return nil
}

// HarvestExpired sweeps sessions past their TTL and reports how many went.
func (s *Store) HarvestExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM onboarding_sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("onboarding: harvest sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

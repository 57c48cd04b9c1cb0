package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the pool surface the store depends on.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists attempts and counters in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

const attemptColumns = `
	id, user_id, phone_e164, direction, body, carrier_sid, provider_status,
	final_status, error_code, error_message, retry_count, max_retries,
	next_retry_at, cost_cents, country_code, created_at, updated_at
`

// InsertAttempt logs a new attempt. Inbound attempts carry the carrier sid
// of the webhook; a duplicate sid returns ErrDuplicateAttempt so webhook
// retries collapse onto the original row.
func (s *Store) InsertAttempt(ctx context.Context, rec Attempt) (uuid.UUID, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.FinalStatus == "" {
		rec.FinalStatus = StatusUnknown
	}
	query := `
		INSERT INTO sms_attempts (
			id, user_id, phone_e164, direction, body, carrier_sid, provider_status,
			final_status, error_code, error_message, retry_count, max_retries,
			next_retry_at, cost_cents, country_code
		)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.PhoneE164, rec.Direction, rec.Body, rec.CarrierSID,
		rec.ProviderStatus, rec.FinalStatus, rec.ErrorCode, rec.ErrorMessage,
		rec.RetryCount, rec.MaxRetries, rec.NextRetryAt, rec.CostCents, rec.CountryCode,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return uuid.Nil, ErrDuplicateAttempt
		}
		return uuid.Nil, fmt.Errorf("usage: insert attempt: %w", err)
	}
	if rec.Direction == DirectionOut && rec.CarrierSID != "" {
		if err := s.AttachCarrierSID(ctx, rec.ID, rec.CarrierSID); err != nil {
			return uuid.Nil, err
		}
	}
	return rec.ID, nil
}

// HasInbound reports whether an inbound attempt with this sid exists.
func (s *Store) HasInbound(ctx context.Context, carrierSID string) (bool, error) {
	var exists int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM sms_attempts
		WHERE direction = 'in' AND carrier_sid = $1
		LIMIT 1
	`, carrierSID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("usage: check inbound: %w", err)
	}
	return true, nil
}

// AttachCarrierSID records a sid issued for an outbound attempt and makes it
// the attempt's current sid. Resends add rows here so late callbacks for an
// earlier sid still find the attempt.
func (s *Store) AttachCarrierSID(ctx context.Context, attemptID uuid.UUID, sid string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO sms_attempt_sids (carrier_sid, attempt_id)
		VALUES ($1, $2)
		ON CONFLICT (carrier_sid) DO NOTHING
	`, sid, attemptID); err != nil {
		return fmt.Errorf("usage: attach sid: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE sms_attempts SET carrier_sid = $2, updated_at = now() WHERE id = $1
	`, attemptID, sid); err != nil {
		return fmt.Errorf("usage: update current sid: %w", err)
	}
	return nil
}

// FindBySID resolves a carrier sid, current or historical, to its attempt.
func (s *Store) FindBySID(ctx context.Context, sid string) (*Attempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM sms_attempts
		WHERE id = (SELECT attempt_id FROM sms_attempt_sids WHERE carrier_sid = $1)
			OR carrier_sid = $1
		LIMIT 1
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, sid))
}

// Get loads an attempt by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM sms_attempts WHERE id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

func (s *Store) scanOne(row pgx.Row) (*Attempt, error) {
	var rec Attempt
	var carrierSID, errorCode, errorMessage, countryCode *string
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.PhoneE164, &rec.Direction, &rec.Body, &carrierSID,
		&rec.ProviderStatus, &rec.FinalStatus, &errorCode, &errorMessage,
		&rec.RetryCount, &rec.MaxRetries, &rec.NextRetryAt, &rec.CostCents,
		&countryCode, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("usage: scan attempt: %w", err)
	}
	if carrierSID != nil {
		rec.CarrierSID = *carrierSID
	}
	if errorCode != nil {
		rec.ErrorCode = *errorCode
	}
	if errorMessage != nil {
		rec.ErrorMessage = *errorMessage
	}
	if countryCode != nil {
		rec.CountryCode = *countryCode
	}
	return &rec, nil
}

// UpdateProviderStatus records a non-terminal provider status. "sent"
// advances final_status; terminal rows are left untouched.
func (s *Store) UpdateProviderStatus(ctx context.Context, id uuid.UUID, providerStatus string) error {
	query := `
		UPDATE sms_attempts
		SET provider_status = $2,
			final_status = CASE WHEN $2 = 'sent' THEN 'sent' ELSE final_status END,
			updated_at = now()
		WHERE id = $1 AND final_status NOT IN ('delivered', 'failed', 'undelivered')
	`
	if _, err := s.pool.Exec(ctx, query, id, providerStatus); err != nil {
		return fmt.Errorf("usage: update provider status: %w", err)
	}
	return nil
}

// MarkDelivered transitions an attempt to delivered. The returned bool is
// false when the attempt was already terminal, which makes duplicate
// callbacks idempotent for usage accounting.
func (s *Store) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE sms_attempts
		SET final_status = 'delivered',
			provider_status = 'delivered',
			next_retry_at = NULL,
			updated_at = now()
		WHERE id = $1 AND final_status NOT IN ('delivered', 'failed', 'undelivered')
	`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("usage: mark delivered: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed transitions an attempt to a terminal failure state.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, status FinalStatus, errorCode, errorMessage string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("usage: %q is not a terminal status", status)
	}
	query := `
		UPDATE sms_attempts
		SET final_status = $2,
			provider_status = $2,
			error_code = $3,
			error_message = $4,
			next_retry_at = NULL,
			updated_at = now()
		WHERE id = $1 AND final_status NOT IN ('delivered', 'failed', 'undelivered')
	`
	tag, err := s.pool.Exec(ctx, query, id, status, errorCode, errorMessage)
	if err != nil {
		return false, fmt.Errorf("usage: mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ScheduleRetry books the next resend for a non-terminal attempt and counts
// the failure that caused it.
func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, errorCode string, nextRetryAt time.Time) error {
	query := `
		UPDATE sms_attempts
		SET retry_count = retry_count + 1,
			provider_status = 'retry_pending',
			error_code = $2,
			next_retry_at = $3,
			updated_at = now()
		WHERE id = $1 AND final_status NOT IN ('delivered', 'failed', 'undelivered')
	`
	if _, err := s.pool.Exec(ctx, query, id, errorCode, nextRetryAt); err != nil {
		return fmt.Errorf("usage: schedule retry: %w", err)
	}
	return nil
}

// ClearRetry unsets next_retry_at after a successful resend, leaving the
// attempt waiting on status callbacks.
func (s *Store) ClearRetry(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE sms_attempts
		SET next_retry_at = NULL, provider_status = 'queued', updated_at = now()
		WHERE id = $1 AND final_status NOT IN ('delivered', 'failed', 'undelivered')
	`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("usage: clear retry: %w", err)
	}
	return nil
}

// DueRetries lists non-terminal outbound attempts whose next_retry_at has
// passed, ordered oldest first.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]Attempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM sms_attempts
		WHERE direction = 'out'
			AND final_status NOT IN ('delivered', 'failed', 'undelivered')
			AND next_retry_at IS NOT NULL
			AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
	`
	return s.scanMany(ctx, query, now, limit)
}

// StaleNonTerminal lists attempts that never reached a terminal status and
// have not been touched since the cutoff. The reconciler fails them.
func (s *Store) StaleNonTerminal(ctx context.Context, cutoff time.Time, limit int) ([]Attempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM sms_attempts
		WHERE final_status NOT IN ('delivered', 'failed', 'undelivered')
			AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`
	return s.scanMany(ctx, query, cutoff, limit)
}

// StuckQueued lists outbound attempts sitting in queued/sending with no
// pending retry since before the cutoff. They count as transient failures.
func (s *Store) StuckQueued(ctx context.Context, cutoff time.Time, limit int) ([]Attempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM sms_attempts
		WHERE direction = 'out'
			AND final_status NOT IN ('delivered', 'failed', 'undelivered')
			AND provider_status IN ('queued', 'sending')
			AND next_retry_at IS NULL
			AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`
	return s.scanMany(ctx, query, cutoff, limit)
}

func (s *Store) scanMany(ctx context.Context, query string, args ...any) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("usage: list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		rec, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

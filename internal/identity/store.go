package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx used inside a transaction or on the pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface the store depends on.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists identity state in Postgres.
type Store struct {
	pool            PgxPool
	codeTTL         time.Duration
	maxCodeAttempts int
}

// NewStore builds an identity store. codeTTL defaults to 10 minutes.
func NewStore(pool PgxPool, codeTTL time.Duration) *Store {
	if pool == nil {
		return nil
	}
	if codeTTL <= 0 {
		codeTTL = 10 * time.Minute
	}
	return &Store{pool: pool, codeTTL: codeTTL, maxCodeAttempts: DefaultMaxCodeAttempts}
}

// FindUserByPhone resolves a verified mapping to its user. Unverified
// mappings are invisible here; returns (nil, nil) when nothing matches.
func (s *Store) FindUserByPhone(ctx context.Context, e164 string) (*User, error) {
	query := `
		SELECT u.id, u.created_at, u.is_active
		FROM users u
		JOIN phone_mappings m ON m.user_id = u.id
		WHERE m.phone_e164 = $1 AND m.is_verified
		LIMIT 1
	`
	var user User
	if err := s.pool.QueryRow(ctx, query, e164).Scan(&user.ID, &user.CreatedAt, &user.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: find user by phone: %w", err)
	}
	return &user, nil
}

// CreatePhoneMapping inserts a mapping for an existing user. When isPrimary
// is set, any prior primary for the user is atomically demoted.
func (s *Store) CreatePhoneMapping(ctx context.Context, userID int64, e164 string, isPrimary, verified bool) (*PhoneMapping, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if isPrimary {
		if _, err := tx.Exec(ctx, `UPDATE phone_mappings SET is_primary = FALSE, updated_at = now() WHERE user_id = $1 AND is_primary`, userID); err != nil {
			return nil, fmt.Errorf("identity: demote primaries: %w", err)
		}
	}

	method := ""
	if verified {
		method = VerificationMethodSMS
	}
	query := `
		INSERT INTO phone_mappings (user_id, phone_e164, is_primary, is_verified, verification_method)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING id, created_at, updated_at
	`
	mapping := PhoneMapping{
		UserID:             userID,
		PhoneE164:          e164,
		IsPrimary:          isPrimary,
		IsVerified:         verified,
		VerificationMethod: method,
	}
	if err := tx.QueryRow(ctx, query, userID, e164, isPrimary, verified, method).Scan(&mapping.ID, &mapping.CreatedAt, &mapping.UpdatedAt); err != nil {
		return nil, translateMappingError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("identity: commit: %w", err)
	}
	return &mapping, nil
}

func translateMappingError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicatePhone
		case "23503":
			return ErrUserNotFound
		}
	}
	return fmt.Errorf("identity: create phone mapping: %w", err)
}

// SetPrimary promotes one of a user's mappings, demoting the rest in the
// same transaction.
func (s *Store) SetPrimary(ctx context.Context, userID, mappingID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("identity: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE phone_mappings SET is_primary = FALSE, updated_at = now() WHERE user_id = $1 AND is_primary`, userID); err != nil {
		return fmt.Errorf("identity: demote primaries: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE phone_mappings SET is_primary = TRUE, updated_at = now() WHERE id = $1 AND user_id = $2`, mappingID, userID)
	if err != nil {
		return fmt.Errorf("identity: set primary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMappingNotFound
	}
	return tx.Commit(ctx)
}

// DeleteMapping removes a user's mapping.
func (s *Store) DeleteMapping(ctx context.Context, userID, mappingID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM phone_mappings WHERE id = $1 AND user_id = $2`, mappingID, userID)
	if err != nil {
		return fmt.Errorf("identity: delete mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMappingNotFound
	}
	return nil
}

// MappingByPhone loads a mapping regardless of verification state. Returns
// (nil, nil) when the number is unmapped.
func (s *Store) MappingByPhone(ctx context.Context, e164 string) (*PhoneMapping, error) {
	query := `
		SELECT id, user_id, phone_e164, is_primary, is_verified, COALESCE(verification_method, ''), created_at, updated_at
		FROM phone_mappings
		WHERE phone_e164 = $1
		LIMIT 1
	`
	var m PhoneMapping
	err := s.pool.QueryRow(ctx, query, e164).Scan(&m.ID, &m.UserID, &m.PhoneE164, &m.IsPrimary, &m.IsVerified, &m.VerificationMethod, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: mapping by phone: %w", err)
	}
	return &m, nil
}

// IssueVerification generates a fresh 6-digit code for (user, phone),
// replacing any prior code for the pair.
func (s *Store) IssueVerification(ctx context.Context, userID int64, e164 string) (string, error) {
	code, err := generateCode(6)
	if err != nil {
		return "", fmt.Errorf("identity: generate code: %w", err)
	}
	query := `
		INSERT INTO verification_codes (user_id, phone_e164, code, expires_at, attempts, max_attempts)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (user_id, phone_e164) DO UPDATE
		SET code = EXCLUDED.code,
			expires_at = EXCLUDED.expires_at,
			attempts = 0,
			max_attempts = EXCLUDED.max_attempts,
			created_at = now()
	`
	expiresAt := time.Now().Add(s.codeTTL)
	if _, err := s.pool.Exec(ctx, query, userID, e164, code, expiresAt, s.maxCodeAttempts); err != nil {
		return "", fmt.Errorf("identity: issue verification: %w", err)
	}
	return code, nil
}

// CheckVerification validates a submitted code. Success consumes the code
// and flips the (user, phone) mapping to verified in one transaction. The
// expiry boundary is closed: a code checked at exactly expires_at is expired.
func (s *Store) CheckVerification(ctx context.Context, userID int64, e164, code string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("identity: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		stored      string
		expiresAt   time.Time
		attempts    int
		maxAttempts int
	)
	row := tx.QueryRow(ctx, `
		SELECT code, expires_at, attempts, max_attempts
		FROM verification_codes
		WHERE user_id = $1 AND phone_e164 = $2
		FOR UPDATE
	`, userID, e164)
	if err := row.Scan(&stored, &expiresAt, &attempts, &maxAttempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoCode
		}
		return fmt.Errorf("identity: load verification: %w", err)
	}

	if !time.Now().Before(expiresAt) {
		if _, err := tx.Exec(ctx, `DELETE FROM verification_codes WHERE user_id = $1 AND phone_e164 = $2`, userID, e164); err != nil {
			return fmt.Errorf("identity: purge expired code: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("identity: commit: %w", err)
		}
		return ErrCodeExpired
	}
	if attempts >= maxAttempts {
		return ErrTooManyAttempts
	}
	if stored != code {
		if _, err := tx.Exec(ctx, `UPDATE verification_codes SET attempts = attempts + 1 WHERE user_id = $1 AND phone_e164 = $2`, userID, e164); err != nil {
			return fmt.Errorf("identity: record attempt: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("identity: commit: %w", err)
		}
		if attempts+1 >= maxAttempts {
			return ErrTooManyAttempts
		}
		return ErrWrongCode
	}

	if _, err := tx.Exec(ctx, `DELETE FROM verification_codes WHERE user_id = $1 AND phone_e164 = $2`, userID, e164); err != nil {
		return fmt.Errorf("identity: consume code: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE phone_mappings
		SET is_verified = TRUE, verification_method = $3, updated_at = now()
		WHERE user_id = $1 AND phone_e164 = $2
	`, userID, e164, VerificationMethodSMS); err != nil {
		return fmt.Errorf("identity: verify mapping: %w", err)
	}
	return tx.Commit(ctx)
}

// RemainingAttempts reports how many guesses are left for (user, phone).
func (s *Store) RemainingAttempts(ctx context.Context, userID int64, e164 string) (int, error) {
	var attempts, maxAttempts int
	err := s.pool.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM verification_codes
		WHERE user_id = $1 AND phone_e164 = $2
	`, userID, e164).Scan(&attempts, &maxAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoCode
		}
		return 0, fmt.Errorf("identity: remaining attempts: %w", err)
	}
	remaining := maxAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RecordOptOut blocks outbound to a number until the given time.
func (s *Store) RecordOptOut(ctx context.Context, e164 string, until time.Time) error {
	query := `
		INSERT INTO opt_outs (phone_e164, blocked_until)
		VALUES ($1, $2)
		ON CONFLICT (phone_e164) DO UPDATE
		SET blocked_until = EXCLUDED.blocked_until, updated_at = now()
	`
	if _, err := s.pool.Exec(ctx, query, e164, until); err != nil {
		return fmt.Errorf("identity: record opt-out: %w", err)
	}
	return nil
}

// IsOptedOut reports whether a number is currently blocked.
func (s *Store) IsOptedOut(ctx context.Context, e164 string) (bool, error) {
	var exists int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM opt_outs WHERE phone_e164 = $1 AND blocked_until > now()
	`, e164).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("identity: check opt-out: %w", err)
	}
	return true, nil
}

// generateCode produces an n-digit decimal string with crypto/rand.
func generateCode(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = '0' + byte(v.Int64())
	}
	return string(digits), nil
}

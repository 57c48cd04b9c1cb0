// Package usage persists the per-message attempt log and per-user monthly
// usage counters.
package usage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Direction of an SMS attempt.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// FinalStatus is the gateway-side lifecycle state of an attempt.
type FinalStatus string

const (
	StatusUnknown     FinalStatus = "unknown"
	StatusSent        FinalStatus = "sent"
	StatusDelivered   FinalStatus = "delivered"
	StatusFailed      FinalStatus = "failed"
	StatusUndelivered FinalStatus = "undelivered"
)

// IsTerminal reports whether no further automatic transition is possible.
func (s FinalStatus) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusUndelivered:
		return true
	}
	return false
}

// Attempt is one logical inbound or outbound SMS event. Retries of an
// outbound send stay on the same attempt row; each carrier sid issued for
// it is tracked in a child table.
type Attempt struct {
	ID             uuid.UUID
	UserID         *int64
	PhoneE164      string
	Direction      Direction
	Body           string
	CarrierSID     string
	ProviderStatus string
	FinalStatus    FinalStatus
	ErrorCode      string
	ErrorMessage   string
	RetryCount     int
	MaxRetries     int
	NextRetryAt    *time.Time
	CostCents      int
	CountryCode    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

var (
	// ErrDuplicateAttempt marks an insert whose carrier sid is already logged.
	ErrDuplicateAttempt = errors.New("usage: attempt already recorded")
	// ErrAttemptNotFound marks lookups for unknown attempts or sids.
	ErrAttemptNotFound = errors.New("usage: attempt not found")
)

// YearMonth renders the UTC billing period key for a point in time.
func YearMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Package identity persists users, phone⇄user mappings, verification codes,
// and the opt-out list.
package identity

import (
	"errors"
	"time"
)

// User is an internal account. Accounts are created by the registration
// flow; the gateway only reads them and attaches phone numbers.
type User struct {
	ID        int64
	CreatedAt time.Time
	IsActive  bool
}

// PhoneMapping associates an E.164 number with a user. At most one mapping
// exists per number, and at most one primary mapping per user.
type PhoneMapping struct {
	ID                 int64
	UserID             int64
	PhoneE164          string
	IsPrimary          bool
	IsVerified         bool
	VerificationMethod string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// VerificationMethodSMS marks mappings proven by an SMS code round-trip.
const VerificationMethodSMS = "sms"

// DefaultMaxCodeAttempts bounds wrong-code guesses per issued code.
const DefaultMaxCodeAttempts = 5

var (
	ErrDuplicatePhone  = errors.New("identity: phone already mapped")
	ErrUserNotFound    = errors.New("identity: user not found")
	ErrMappingNotFound = errors.New("identity: mapping not found")
	ErrCodeExpired     = errors.New("identity: verification code expired")
	ErrWrongCode       = errors.New("identity: wrong verification code")
	ErrTooManyAttempts = errors.New("identity: too many verification attempts")
	ErrNoCode          = errors.New("identity: no verification code issued")
)

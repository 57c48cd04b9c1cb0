// Package phone canonicalizes phone numbers to E.164 and prices outbound
// messages by destination country.
package phone

import (
	"errors"
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidPhone indicates input that cannot be canonicalized to E.164.
var ErrInvalidPhone = errors.New("phone: invalid phone number")

var e164Pattern = regexp.MustCompile(`^\+[0-9]{10,15}$`)

// Normalize canonicalizes raw input to E.164 and derives the destination
// country. Formatting characters (spaces, dashes, dots, parentheses) are
// stripped; anything else, including non-ASCII digits, is rejected. The
// country code is advisory and only feeds cost pricing.
func Normalize(raw string) (e164 string, country string, err error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-', '.', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	if !e164Pattern.MatchString(cleaned) {
		return "", "", ErrInvalidPhone
	}
	// Country codes never start with zero.
	if cleaned[1] == '0' {
		return "", "", ErrInvalidPhone
	}
	return cleaned, Country(cleaned), nil
}

// Equal reports whether two raw inputs canonicalize to the same number.
// Inputs that fail normalization are never equal to anything.
func Equal(a, b string) bool {
	na, _, errA := Normalize(a)
	nb, _, errB := Normalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return na == nb
}

// Country derives an ISO 3166-1 region for an already-normalized E.164
// number. Numbers in the +1 plan without a more specific region resolve
// to "US".
func Country(e164 string) string {
	num, err := phonenumbers.Parse(e164, "")
	if err == nil {
		if region := phonenumbers.GetRegionCodeForNumber(num); region != "" && region != "ZZ" {
			return region
		}
	}
	if strings.HasPrefix(e164, "+1") {
		return "US"
	}
	return ""
}

package carrier

import "errors"

// Classification buckets provider failures for retry decisions.
type Classification int

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient Classification = iota
	// ClassPermanent failures terminate the attempt.
	ClassPermanent
)

// Classifier maps carrier error codes to retry classes. Codes not in the
// map default to transient; the retry budget bounds the damage of guessing
// wrong, while misclassifying a transient code as permanent drops messages.
type Classifier struct {
	permanent map[string]struct{}
	transient map[string]struct{}
}

// Default carrier code sets. Permanent: invalid number, landline, blocked
// destination, carrier filtering, unsubscribed recipient, suspended account.
var (
	defaultPermanentCodes = []string{
		"21211", // invalid 'To' number
		"21610", // recipient unsubscribed
		"21614", // not a mobile number (landline)
		"30004", // message blocked
		"30005", // unknown destination handset
		"30006", // landline or unreachable carrier
		"30007", // carrier violation / filtered
		"20005", // account suspended
	}
	defaultTransientCodes = []string{
		"30001", // queue overflow
		"30003", // unreachable destination handset
		"30009", // missing segment
		"14107", // rate limit exceeded
	}
)

// NewClassifier builds a classifier from explicit code lists; empty lists
// fall back to the defaults.
func NewClassifier(permanent, transient []string) *Classifier {
	if len(permanent) == 0 {
		permanent = defaultPermanentCodes
	}
	if len(transient) == 0 {
		transient = defaultTransientCodes
	}
	c := &Classifier{
		permanent: make(map[string]struct{}, len(permanent)),
		transient: make(map[string]struct{}, len(transient)),
	}
	for _, code := range permanent {
		c.permanent[code] = struct{}{}
	}
	for _, code := range transient {
		c.transient[code] = struct{}{}
	}
	return c
}

// Classify buckets a carrier error code.
func (c *Classifier) Classify(errorCode string) Classification {
	if errorCode == "" {
		return ClassTransient
	}
	if _, ok := c.permanent[errorCode]; ok {
		return ClassPermanent
	}
	return ClassTransient
}

// ClassifyError buckets a send error returned by Client.Send.
func (c *Classifier) ClassifyError(err error) Classification {
	if errors.Is(err, ErrUnavailable) {
		return ClassTransient
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code != "" {
			return c.Classify(apiErr.Code)
		}
		// 4xx without a code is a malformed request on our side; retrying
		// the identical payload cannot succeed.
		return ClassPermanent
	}
	return ClassTransient
}

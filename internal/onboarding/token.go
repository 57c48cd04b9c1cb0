package onboarding

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignupClaims bind a signup link to the conversation that produced it.
// The registration service verifies the token and calls back with the
// created account's user id.
type SignupClaims struct {
	Phone string `json:"phone"`
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies signed signup tokens.
type TokenIssuer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
}

// NewTokenIssuer builds an issuer. Token lifetime matches the onboarding
// session TTL so a link never outlives its conversation.
func NewTokenIssuer(secret, baseURL string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), baseURL: baseURL, ttl: ttl}
}

// Issue signs a token for (phone, email, name).
func (t *TokenIssuer) Issue(phone, email, name string) (string, error) {
	if len(t.secret) == 0 {
		return "", errors.New("onboarding: signup token secret not configured")
	}
	now := time.Now()
	claims := SignupClaims{
		Phone: phone,
		Email: email,
		Name:  name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "smsgate",
			Subject:   phone,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("onboarding: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a signup token.
func (t *TokenIssuer) Verify(token string) (*SignupClaims, error) {
	claims := &SignupClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("onboarding: unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("onboarding: verify token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("onboarding: invalid token")
	}
	return claims, nil
}

// SignupURL renders the link sent over SMS.
func (t *TokenIssuer) SignupURL(token string) string {
	return fmt.Sprintf("%s/signup?token=%s", t.baseURL, url.QueryEscape(token))
}

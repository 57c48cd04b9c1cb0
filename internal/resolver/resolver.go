// Package resolver answers "which user owns this phone number" with a
// read-through cache in front of the identity store.
package resolver

import (
	"context"
	"time"

	"github.com/assistline/smsgate/internal/identity"
	"github.com/assistline/smsgate/pkg/logging"
)

// Identity is the resolved owner of a phone number. Only verified mappings
// resolve, so Verified is true on every non-nil result.
type Identity struct {
	UserID   int64 `json:"user_id"`
	Verified bool  `json:"verified"`
}

type lookupStore interface {
	FindUserByPhone(ctx context.Context, e164 string) (*identity.User, error)
}

// Resolver caches phone→user lookups. Misses are cached too (negative
// caching) so a chatty unknown sender does not hammer the database.
type Resolver struct {
	store  lookupStore
	cache  cache
	ttl    time.Duration
	negTTL time.Duration
	logger *logging.Logger
}

// New builds a resolver. Callers pass already-normalized E.164 numbers;
// the resolver never normalizes.
func New(store lookupStore, cache cache, ttl, negTTL time.Duration, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Default()
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if negTTL <= 0 {
		negTTL = 30 * time.Second
	}
	return &Resolver{store: store, cache: cache, ttl: ttl, negTTL: negTTL, logger: logger}
}

// Resolve returns the verified owner of e164, or nil when the number is
// unknown or unverified. Cache failures degrade to direct lookups.
func (r *Resolver) Resolve(ctx context.Context, e164 string) (*Identity, error) {
	if cached, ok, err := r.cache.get(ctx, e164); err != nil {
		r.logger.Warn("resolver cache read failed", "error", err, "phone", e164)
	} else if ok {
		if cached.Negative {
			return nil, nil
		}
		return &Identity{UserID: cached.UserID, Verified: cached.Verified}, nil
	}

	user, err := r.store.FindUserByPhone(ctx, e164)
	if err != nil {
		return nil, err
	}
	if user == nil {
		if err := r.cache.set(ctx, e164, entry{Negative: true}, r.negTTL); err != nil {
			r.logger.Warn("resolver cache write failed", "error", err, "phone", e164)
		}
		return nil, nil
	}

	resolved := &Identity{UserID: user.ID, Verified: true}
	if err := r.cache.set(ctx, e164, entry{UserID: resolved.UserID, Verified: true}, r.ttl); err != nil {
		r.logger.Warn("resolver cache write failed", "error", err, "phone", e164)
	}
	return resolved, nil
}

// Invalidate drops the cache entry for a number. Mapping create, verify,
// and delete paths call this so the next Resolve sees fresh state.
func (r *Resolver) Invalidate(ctx context.Context, e164 string) {
	if err := r.cache.del(ctx, e164); err != nil {
		r.logger.Warn("resolver cache invalidate failed", "error", err, "phone", e164)
	}
}

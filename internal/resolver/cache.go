package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// entry is a cached resolution. Negative entries record a confirmed miss.
type entry struct {
	UserID   int64 `json:"user_id,omitempty"`
	Verified bool  `json:"verified,omitempty"`
	Negative bool  `json:"negative,omitempty"`
}

type cache interface {
	get(ctx context.Context, e164 string) (entry, bool, error)
	set(ctx context.Context, e164 string, e entry, ttl time.Duration) error
	del(ctx context.Context, e164 string) error
}

func cacheKey(e164 string) string {
	return fmt.Sprintf("resolver:phone:%s", e164)
}

// RedisCache shares resolutions across processes via redis. Cross-process
// consistency rides on the TTL; there is no distributed invalidation.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	if client == nil {
		panic("resolver: redis client cannot be nil")
	}
	return &RedisCache{client: client}
}

func (c *RedisCache) get(ctx context.Context, e164 string) (entry, bool, error) {
	data, err := c.client.Get(ctx, cacheKey(e164)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entry{}, false, nil
		}
		return entry{}, false, fmt.Errorf("resolver: cache get: %w", err)
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return entry{}, false, fmt.Errorf("resolver: decode cache entry: %w", err)
	}
	return e, true, nil
}

func (c *RedisCache) set(ctx context.Context, e164 string, e entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("resolver: encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(e164), data, ttl).Err(); err != nil {
		return fmt.Errorf("resolver: cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) del(ctx context.Context, e164 string) error {
	if err := c.client.Del(ctx, cacheKey(e164)).Err(); err != nil {
		return fmt.Errorf("resolver: cache del: %w", err)
	}
	return nil
}

// MemoryCache is the process-local fallback when no CACHE_URL is set.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     entry
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) get(_ context.Context, e164 string) (entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.entries[e164]
	if !ok {
		return entry{}, false, nil
	}
	if time.Now().After(cached.expiresAt) {
		delete(c.entries, e164)
		return entry{}, false, nil
	}
	return cached.value, true, nil
}

func (c *MemoryCache) set(_ context.Context, e164 string, e entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e164] = memoryEntry{value: e, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) del(_ context.Context, e164 string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, e164)
	return nil
}

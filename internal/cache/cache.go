// Package cache implements the tenant-scoped key/value cache of spec.md
// §4.3: physical keys are namespaced tenant:{id}:{key} so one tenant's
// invalidation can never affect another, and any backing-store error on
// Get is treated as a miss (the cache is advisory, never fatal).
//
// Grounded on the teacher's semantic caching.Engine — kept the namespace
// segmentation, per-key TTL, and hit/miss counters; dropped the
// embedding/cosine-similarity machinery, which has no use for memoizing
// exact marketplace API responses within one sync cycle.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultTTL = 5 * time.Minute

// Stats tracks cache hit/miss counters.
type Stats struct {
	Hits   int64
	Misses int64
}

// Cache is a tenant-namespaced key/value store with TTL, backed by Redis.
type Cache struct {
	rdb    *redis.Client
	logger zerolog.Logger

	hits   int64
	misses int64
}

// New creates a Cache backed by the given Redis client.
func New(rdb *redis.Client, logger zerolog.Logger) *Cache {
	return &Cache{
		rdb:    rdb,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

func physicalKey(tenantID, key string) string {
	return fmt.Sprintf("tenant:%s:%s", tenantID, key)
}

// Get fetches a cached value and unmarshals it into dest. Returns
// (false, nil) on a genuine miss or on any backing-store error — callers
// must not distinguish the two, per spec.md §4.3.
func (c *Cache) Get(ctx context.Context, tenantID, key string, dest interface{}) (bool, error) {
	raw, err := c.rdb.Get(ctx, physicalKey(tenantID, key)).Bytes()
	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		if err != redis.Nil {
			c.logger.Debug().Err(err).Str("tenant", tenantID).Str("key", key).Msg("cache backing store error, treating as miss")
		}
		return false, nil
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		atomic.AddInt64(&c.misses, 1)
		return false, nil
	}

	atomic.AddInt64(&c.hits, 1)
	return true, nil
}

// Set stores value under key for ttl (0 uses the 5-minute default).
func (c *Cache) Set(ctx context.Context, tenantID, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := c.rdb.Set(ctx, physicalKey(tenantID, key), raw, ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Str("tenant", tenantID).Str("key", key).Msg("cache set failed")
		return nil // advisory: a failed write is not a caller-visible error
	}
	return nil
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, tenantID, key string) error {
	return c.rdb.Del(ctx, physicalKey(tenantID, key)).Err()
}

// InvalidatePattern deletes all keys for tenantID matching a glob pattern
// (e.g. "aggregates:*").
func (c *Cache) InvalidatePattern(ctx context.Context, tenantID, pattern string) (int, error) {
	full := physicalKey(tenantID, pattern)
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, full, 100).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// FlushTenant removes every cached key for a tenant. Called on tenant
// deletion per spec.md §3's ownership summary.
func (c *Cache) FlushTenant(ctx context.Context, tenantID string) (int, error) {
	return c.InvalidatePattern(ctx, tenantID, "*")
}

// Stats returns current hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}
}

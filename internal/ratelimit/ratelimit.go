// Package ratelimit implements the sliding-window admission check of
// spec.md §4.2, keyed by an arbitrary string ("tenant:{id}",
// "marketplace:{id}:{endpoint}", …). Grounded on the teacher's
// middleware.RateLimiter sliding window, generalized from an HTTP
// middleware into a standalone component the marketplace client and the
// admin surface both call directly.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Limiter is a sliding-window counter. It is safe for concurrent use and
// shared across all workers — spec.md §5 calls it "the only lock-free
// coordination point", which here means callers never hold it across a
// suspension point, not that it avoids an internal mutex.
type Limiter struct {
	logger zerolog.Logger
	redis  *redis.Client // optional; nil means in-memory only

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	timestamps []time.Time
}

// New creates an in-memory sliding-window limiter.
func New(logger zerolog.Logger) *Limiter {
	return &Limiter{
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		windows: make(map[string]*slidingWindow),
	}
}

// WithRedisBackend attaches a Redis client so the sliding window is
// shared across process instances. A nil client keeps the in-memory
// window; a Redis error at call time fails open (the request is
// admitted) per spec.md §4.2.
func (l *Limiter) WithRedisBackend(rdb *redis.Client) *Limiter {
	l.redis = rdb
	return l
}

// Check records one request attempt against key and reports whether it is
// admitted under limit requests per window. On backing-store outage it
// fails open: allowed=true, remaining=0.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, resetAt time.Time) {
	if l.redis != nil {
		allowed, remaining, resetAt, err := l.checkRedis(ctx, key, limit, window)
		if err == nil {
			return allowed, remaining, resetAt
		}
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limiter backing store unavailable, failing open")
		return true, 0, time.Now().Add(window)
	}
	return l.checkLocal(key, limit, window)
}

func (l *Limiter) checkLocal(key string, limit int, window time.Duration) (bool, int, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-window)

	sw, ok := l.windows[key]
	if !ok {
		sw = &slidingWindow{}
		l.windows[key] = sw
	}

	kept := sw.timestamps[:0]
	for _, ts := range sw.timestamps {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	sw.timestamps = kept

	if len(sw.timestamps) >= limit {
		resetAt := sw.timestamps[0].Add(window)
		return false, 0, resetAt
	}

	sw.timestamps = append(sw.timestamps, now)
	return true, limit - len(sw.timestamps), now.Add(window)
}

// checkRedis implements the same algorithm against a Redis sorted set so
// multiple process instances share one window: ZREMRANGEBYSCORE to drop
// entries older than now-window, ZADD the current timestamp, then ZCARD
// to admit iff count <= limit (the count includes this request).
func (l *Limiter) checkRedis(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time, error) {
	now := time.Now()
	member := now.UnixNano()
	redisKey := "ratelimit:" + key

	pipe := l.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(member), Member: member})
	card := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, err
	}

	count := int(card.Val())
	if count > limit {
		// Over limit: remove the entry we just added so it doesn't count
		// toward a future window, and reject.
		l.redis.ZRem(ctx, redisKey, member)
		return false, 0, now.Add(window), nil
	}
	return true, limit - count, now.Add(window), nil
}

// Cleanup drops in-memory windows with no activity within maxAge. It has
// nothing to drop when backed by Redis (keys TTL-expire there instead).
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, sw := range l.windows {
		if len(sw.timestamps) == 0 || sw.timestamps[len(sw.timestamps)-1].Before(cutoff) {
			delete(l.windows, key)
		}
	}
}

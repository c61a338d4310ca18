// Package redisclient constructs the shared Redis client used by
// internal/cache and internal/ratelimit, the way the teacher gateway's
// redisclient package does for its own cache and rate limiter.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a *redis.Client from a redis:// URL. Returns an error if
// the URL cannot be parsed.
func New(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Ping verifies connectivity with a short timeout, used once at startup.
func Ping(rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

package connect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds connect requests per IP using Redis INCR + EXPIRE with
// a fixed window. A nil *RateLimiter allows everything, so the handler does
// not need a guard when Redis is not configured.
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter creates a rate limiter allowing limit requests per IP per
// window.
func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit, window: window}
}

// Allow records one request for the IP and reports whether it is within the
// limit. Redis errors fail open: admission control must not take down
// connect.
func (rl *RateLimiter) Allow(ctx context.Context, ip string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}

	key := fmt.Sprintf("connect_ratelimit:%s", ip)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return true
	}

	count := incr.Val()
	if count == 1 {
		rl.redis.Expire(ctx, key, rl.window)
	}

	return count <= int64(rl.limit)
}

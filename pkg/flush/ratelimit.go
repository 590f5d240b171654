package flush

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds flush attempts per IP using Redis INCR + EXPIRE, so
// the limit holds across gateway replicas.
type RateLimiter struct {
	redis      *redis.Client
	maxAttempt int
	window     time.Duration
}

// NewRateLimiter creates a rate limiter allowing maxAttempt flushes per IP
// within the window.
func NewRateLimiter(rdb *redis.Client, maxAttempt int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:      rdb,
		maxAttempt: maxAttempt,
		window:     window,
	}
}

// Allow records an attempt for ip and reports whether it is within the
// limit. With no Redis configured every attempt is allowed.
func (rl *RateLimiter) Allow(ctx context.Context, ip string) (bool, error) {
	if rl == nil || rl.redis == nil {
		return true, nil
	}
	key := fmt.Sprintf("flush_ratelimit:%s", ip)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("recording flush attempt: %w", err)
	}

	// Only set the expiry on the first increment.
	if incr.Val() == 1 {
		if err := rl.redis.Expire(ctx, key, rl.window).Err(); err != nil {
			return false, fmt.Errorf("setting flush window: %w", err)
		}
	}

	return incr.Val() <= int64(rl.maxAttempt), nil
}

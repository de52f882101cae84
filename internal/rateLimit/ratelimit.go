package rateLimit

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/ticket-inventory-engine/internal/adapters/redis"
	"github.com/robertarktes/ticket-inventory-engine/internal/observability"
)

// RateLimiter is a fixed-window counter per key shared by all API nodes.
type RateLimiter struct {
	redis  *redisadapter.Cache
	logger observability.Logger
}

func NewRateLimiter(redis *redisadapter.Cache, logger observability.Logger) *RateLimiter {
	return &RateLimiter{redis: redis, logger: logger}
}

// Allow fails open: if redis is unreachable the request goes through and
// the store still guards inventory.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	fullKey := "rl:" + key

	pipe := rl.redis.Client().Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, period)

	_, err := pipe.Exec(ctx)
	if err != nil {
		rl.logger.WithError(err).Warn("rate limiter unavailable")
		return true
	}

	if incr.Val() > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false
	}
	return true
}

package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

const redisRateLimitPrefix = "license-registry:ratelimit:"

// RedisRateLimiter enforces one GCRA budget per key across every replica that shares
// the Redis instance.
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisClient opens a client for a redis:// or rediss:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisRateLimiter creates a limiter allowing cfg.RequestsPerMinute per key with
// bursts of cfg.BurstSize.
func NewRedisRateLimiter(client *redis.Client, cfg RateLimitConfig) *RedisRateLimiter {
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   cfg.RequestsPerMinute,
			Burst:  cfg.BurstSize,
			Period: time.Minute,
		},
	}
}

// Take implements Limiter.
func (l *RedisRateLimiter) Take(ctx context.Context, key string) (LimitDecision, error) {
	res, err := l.limiter.Allow(ctx, redisRateLimitPrefix+key, l.limit)
	if err != nil {
		return LimitDecision{}, err
	}
	decision := LimitDecision{
		Allowed:   res.Allowed > 0,
		Remaining: res.Remaining,
	}
	if !decision.Allowed {
		decision.RetryAfter = res.RetryAfter
	}
	return decision, nil
}

// Limit implements Limiter.
func (l *RedisRateLimiter) Limit() int {
	return l.limit.Rate
}

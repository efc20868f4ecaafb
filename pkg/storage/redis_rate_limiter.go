package storage

import (
	"cluster-task-queue/pkg/queue"
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a bucket atomically so every worker
// process sharing the store sees one budget.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate_per_sec = tonumber(ARGV[1])
	local burst_size = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local tokens_requested = tonumber(ARGV[4])

	local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
	local tokens = tonumber(bucket[1]) or burst_size
	local last_refill = tonumber(bucket[2]) or now

	local time_elapsed = math.max(0, now - last_refill)
	local new_tokens = math.min(burst_size, tokens + (time_elapsed * rate_per_sec))

	local allowed = 0
	if new_tokens >= tokens_requested then
		new_tokens = new_tokens - tokens_requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	redis.call('EXPIRE', key, 3600)
	return allowed
`)

// RedisRateLimiter implements a cluster-wide token bucket stored in Redis.
type RedisRateLimiter struct {
	client *redis.Client
	config queue.RateLimitConfig
}

// NewRedisRateLimiter creates a new Redis-based rate limiter.
func NewRedisRateLimiter(client *redis.Client, config queue.RateLimitConfig) *RedisRateLimiter {
	if config.BurstSize < 1 {
		config.BurstSize = 1
	}
	return &RedisRateLimiter{client: client, config: config}
}

// Allow consumes one token from the shared bucket for key.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if !r.config.Enabled() {
		return true, nil
	}
	now := float64(time.Now().UnixNano()) / 1e9
	result, err := tokenBucketScript.Run(ctx, r.client, []string{fmt.Sprintf("rate_limit:%s", key)},
		r.config.RatePerSecond,
		r.config.BurstSize,
		now,
		1,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return result == 1, nil
}

// Close cleans up resources.
func (r *RedisRateLimiter) Close() error {
	// Redis client cleanup is handled externally
	return nil
}

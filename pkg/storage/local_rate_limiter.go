package storage

import (
	"cluster-task-queue/pkg/queue"
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LocalRateLimiter keeps one token bucket per key inside the process.
type LocalRateLimiter struct {
	config  queue.RateLimitConfig
	buckets map[string]*rate.Limiter
	mutex   sync.Mutex
}

// NewLocalRateLimiter creates a new process-local rate limiter.
func NewLocalRateLimiter(config queue.RateLimitConfig) *LocalRateLimiter {
	if config.BurstSize < 1 {
		config.BurstSize = 1
	}
	return &LocalRateLimiter{
		config:  config,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *LocalRateLimiter) bucket(key string) *rate.Limiter {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		// starts full
		b = rate.NewLimiter(rate.Limit(l.config.RatePerSecond), l.config.BurstSize)
		l.buckets[key] = b
	}
	return b
}

// Allow consumes one token for key if available.
func (l *LocalRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if !l.config.Enabled() {
		return true, nil
	}
	return l.bucket(key).Allow(), nil
}

// Tokens returns the tokens currently available for key (for debugging/monitoring).
func (l *LocalRateLimiter) Tokens(key string) float64 {
	if !l.config.Enabled() {
		return float64(l.config.BurstSize)
	}
	return l.bucket(key).Tokens()
}

// Close cleans up resources.
func (l *LocalRateLimiter) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.buckets = make(map[string]*rate.Limiter)
	return nil
}

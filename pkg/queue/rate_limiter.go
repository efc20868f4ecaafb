package queue

import (
	"context"
)

// RateLimiter throttles how often a key (a queue, usually) may be popped.
type RateLimiter interface {
	// Allow reports whether one more pop may proceed for key now.
	Allow(ctx context.Context, key string) (bool, error)

	// Close cleans up any resources used by the rate limiter.
	Close() error
}

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	// RatePerSecond defines the maximum pops per second per key
	RatePerSecond float64

	// BurstSize defines the maximum burst size
	BurstSize int
}

// Enabled reports whether the config asks for any limiting at all.
func (c RateLimitConfig) Enabled() bool { return c.RatePerSecond > 0 }

// NoopRateLimiter is a rate limiter implementation that allows all requests.
type NoopRateLimiter struct{}

// Allow always returns true for the noop rate limiter.
func (NoopRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}

// Close is a no-op for the noop rate limiter.
func (NoopRateLimiter) Close() error {
	return nil
}

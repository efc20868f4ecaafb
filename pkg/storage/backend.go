package storage

import (
	"cluster-task-queue/pkg/queue"
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendRedis    = "redis"
	BackendRedisV8  = "redis-v8"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Options selects and addresses a backing store.
type Options struct {
	Backend     string
	RedisURL    string
	PostgresDSN string
}

// Open connects the adapter named by opts.Backend. The caller owns the
// returned client and must Close it.
func Open(ctx context.Context, opts Options) (queue.Client, error) {
	switch opts.Backend {
	case "", BackendRedis:
		return NewRedisClient(ctx, opts.RedisURL)
	case BackendRedisV8:
		return NewLegacyRedisClient(ctx, opts.RedisURL)
	case BackendPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("backend %q needs a postgres dsn", opts.Backend)
		}
		return NewPostgresClient(ctx, opts.PostgresDSN)
	case BackendMemory:
		return NewMemoryClient(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

// NewRateLimiter returns a limiter shared through the store when the client
// is the Redis adapter, a process-local one otherwise, and a no-op limiter
// when cfg disables limiting.
func NewRateLimiter(client queue.Client, cfg queue.RateLimitConfig) queue.RateLimiter {
	if !cfg.Enabled() {
		return queue.NoopRateLimiter{}
	}
	if rc, ok := client.(*RedisClient); ok {
		return NewRedisRateLimiter(rc.Raw(), cfg)
	}
	return NewLocalRateLimiter(cfg)
}

package config

import (
	"cluster-task-queue/pkg/queue"
	"cluster-task-queue/pkg/storage"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env/flags.
type Config struct {
	Backend     string `json:"backend" yaml:"backend"`
	RedisURL    string `json:"redis_url" yaml:"redis_url"`
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`
	Queue       string `json:"queue" yaml:"queue"`

	// Workers is the pool size; 0 means one per CPU.
	Workers      int `json:"workers" yaml:"workers"`
	PopTimeoutMs int `json:"pop_timeout_ms" yaml:"pop_timeout_ms"`
	TaskDelayMs  int `json:"task_delay_ms" yaml:"task_delay_ms"`

	ProduceIntervalMs int    `json:"produce_interval_ms" yaml:"produce_interval_ms"`
	ProduceCron       string `json:"produce_cron" yaml:"produce_cron"`
	MessagePrefix     string `json:"message_prefix" yaml:"message_prefix"`

	WorkerRatePerSec float64 `json:"worker_rate_per_sec" yaml:"worker_rate_per_sec"`
	WorkerBurst      int     `json:"worker_burst" yaml:"worker_burst"`

	HeartbeatIntervalMs int `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	HeartbeatTTLMs      int `json:"heartbeat_ttl_ms" yaml:"heartbeat_ttl_ms"`

	HTTPAddr      string `json:"http_addr" yaml:"http_addr"`
	EventsChannel string `json:"events_channel" yaml:"events_channel"`
	// EventsDSN enables Postgres persistence of task lifecycle events.
	EventsDSN string `json:"events_dsn" yaml:"events_dsn"`

	LogLevel    string `json:"log_level" yaml:"log_level"`
	Development bool   `json:"development" yaml:"development"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Backend:             storage.BackendRedis,
		RedisURL:            "redis://localhost:6379",
		Queue:               "task-queue",
		TaskDelayMs:         1000,
		ProduceIntervalMs:   2000,
		MessagePrefix:       "Message",
		WorkerBurst:         1,
		HeartbeatIntervalMs: 5000,
		HeartbeatTTLMs:      10000,
		LogLevel:            "info",
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	switch c.Backend {
	case storage.BackendRedis, storage.BackendRedisV8, storage.BackendPostgres, storage.BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Queue == "" {
		return fmt.Errorf("queue name must not be empty")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if c.PopTimeoutMs < 0 || c.TaskDelayMs < 0 {
		return fmt.Errorf("pop_timeout_ms and task_delay_ms must be >= 0")
	}
	if c.ProduceIntervalMs <= 0 && c.ProduceCron == "" {
		return fmt.Errorf("produce_interval_ms must be > 0 when produce_cron is unset")
	}
	return nil
}

// PoolSize resolves Workers, falling back to the CPU count.
func (c Config) PoolSize() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

func (c Config) PopTimeout() time.Duration { return ms(c.PopTimeoutMs) }
func (c Config) TaskDelay() time.Duration  { return ms(c.TaskDelayMs) }
func (c Config) ProduceInterval() time.Duration {
	return ms(c.ProduceIntervalMs)
}
func (c Config) HeartbeatInterval() time.Duration { return ms(c.HeartbeatIntervalMs) }
func (c Config) HeartbeatTTL() time.Duration      { return ms(c.HeartbeatTTLMs) }

// Storage returns the adapter selection for storage.Open.
func (c Config) Storage() storage.Options {
	return storage.Options{Backend: c.Backend, RedisURL: c.RedisURL, PostgresDSN: c.PostgresDSN}
}

// RateLimit returns the per-worker pop limit.
func (c Config) RateLimit() queue.RateLimitConfig {
	return queue.RateLimitConfig{RatePerSecond: c.WorkerRatePerSec, BurstSize: c.WorkerBurst}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

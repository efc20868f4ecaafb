package config

import (
	"os"
	"strconv"
)

// FromEnv overlays TASKPOOL_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	str("TASKPOOL_BACKEND", &cfg.Backend)
	str("TASKPOOL_REDIS_URL", &cfg.RedisURL)
	str("TASKPOOL_POSTGRES_DSN", &cfg.PostgresDSN)
	str("TASKPOOL_QUEUE", &cfg.Queue)
	num("TASKPOOL_WORKERS", &cfg.Workers)
	num("TASKPOOL_POP_TIMEOUT_MS", &cfg.PopTimeoutMs)
	num("TASKPOOL_TASK_DELAY_MS", &cfg.TaskDelayMs)
	num("TASKPOOL_PRODUCE_INTERVAL_MS", &cfg.ProduceIntervalMs)
	str("TASKPOOL_PRODUCE_CRON", &cfg.ProduceCron)
	str("TASKPOOL_MESSAGE_PREFIX", &cfg.MessagePrefix)
	if v := os.Getenv("TASKPOOL_WORKER_RATE_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.WorkerRatePerSec = f
		}
	}
	num("TASKPOOL_WORKER_BURST", &cfg.WorkerBurst)
	num("TASKPOOL_HEARTBEAT_INTERVAL_MS", &cfg.HeartbeatIntervalMs)
	num("TASKPOOL_HEARTBEAT_TTL_MS", &cfg.HeartbeatTTLMs)
	str("TASKPOOL_HTTP_ADDR", &cfg.HTTPAddr)
	str("TASKPOOL_EVENTS_CHANNEL", &cfg.EventsChannel)
	str("TASKPOOL_EVENTS_DSN", &cfg.EventsDSN)
	str("TASKPOOL_LOG_LEVEL", &cfg.LogLevel)
	if v := os.Getenv("TASKPOOL_DEVELOPMENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Development = b
		}
	}
}

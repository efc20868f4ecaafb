package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksPushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_pushed_total",
			Help: "Total number of tasks pushed per queue",
		},
		[]string{"queue"},
	)

	TasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_processed_total",
			Help: "Total number of tasks processed by status",
		},
		[]string{"status", "queue"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Time spent executing a popped task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_length",
			Help: "Last observed number of tasks waiting per queue",
		},
		[]string{"queue"},
	)

	WorkersAlive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_alive",
			Help: "Number of worker units currently owned by the supervisor",
		},
	)

	WorkerRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_restarts_total",
			Help: "Total number of worker replacements spawned after an exit",
		},
	)

	WorkerHeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_heartbeats_total",
			Help: "Total number of worker heartbeats sent",
		},
	)
)

// ObserveTask records how long a task spent executing.
func ObserveTask(queue string, startedAt time.Time) {
	TaskDuration.WithLabelValues(queue).Observe(time.Since(startedAt).Seconds())
}

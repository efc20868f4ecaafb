package worker

import (
	m "cluster-task-queue/pkg/metrics"
	"cluster-task-queue/pkg/queue"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Info is the heartbeat record stored under worker:<id>.
type Info struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname"`
	PID       int    `json:"pid"`
	Queue     string `json:"queue"`
	StartedAt int64  `json:"started_at"`
	LastSeen  int64  `json:"last_seen"`
}

// Registry advertises a live worker in the store with an expiring key.
type Registry struct {
	kv       queue.KeyValue
	info     Info
	interval time.Duration
	ttl      time.Duration
}

// ProcessID is the id a forked worker registers under when none is given: its
// pid, which is also the id the supervisor reports for it.
func ProcessID() string { return strconv.Itoa(os.Getpid()) }

func Key(id string) string { return fmt.Sprintf("worker:%s", id) }

// NewRegistry ties a heartbeat for id to kv. The key expires after ttl
// unless refreshed, so a killed worker disappears on its own.
func NewRegistry(kv queue.KeyValue, id, queueName string, interval, ttl time.Duration) *Registry {
	host, _ := os.Hostname()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if ttl <= interval {
		ttl = 2 * interval
	}
	return &Registry{
		kv: kv,
		info: Info{
			ID:        id,
			Hostname:  host,
			PID:       os.Getpid(),
			Queue:     queueName,
			StartedAt: time.Now().Unix(),
		},
		interval: interval,
		ttl:      ttl,
	}
}

// Beat writes one heartbeat.
func (r *Registry) Beat(ctx context.Context) error {
	info := r.info
	info.LastSeen = time.Now().Unix()
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := r.kv.Set(ctx, Key(info.ID), string(b), r.ttl); err != nil {
		return err
	}
	m.WorkerHeartbeatsTotal.Inc()
	return nil
}

// StartHeartbeat beats every interval until ctx is done.
func (r *Registry) StartHeartbeat(ctx context.Context, log *zap.Logger) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			if err := r.Beat(ctx); err != nil && ctx.Err() == nil {
				log.Warn("heartbeat failed", zap.String("worker", r.info.ID), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Lookup reads the heartbeat of worker id; ok is false once it expired.
func Lookup(ctx context.Context, kv queue.KeyValue, id string) (*Info, bool, error) {
	raw, ok, err := kv.Get(ctx, Key(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var info Info
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, false, err
	}
	return &info, true, nil
}

package supervisor

import (
	m "cluster-task-queue/pkg/metrics"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type exitEvent struct {
	handle Handle
	err    error
}

// Supervisor keeps a fixed number of worker units alive. Every exit, whatever
// its cause, is answered with exactly one replacement: no backoff, no restart
// limit. A crash loop is therefore visible as a steady stream of restart log
// lines rather than a supervisor exit.
type Supervisor struct {
	spawner Spawner
	size    int
	logger  *zap.Logger

	mu       sync.Mutex
	workers  map[int]Handle
	started  bool
	stopping bool
	exits    chan exitEvent
	restarts atomic.Int64
}

type Option func(*Supervisor)

// WithLogger sets the logger for lifecycle lines.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates a supervisor for size units; size <= 0 means one per CPU,
// read once here and never re-evaluated.
func New(spawner Spawner, size int, opts ...Option) *Supervisor {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	s := &Supervisor{
		spawner: spawner,
		size:    size,
		logger:  zap.NewNop(),
		workers: make(map[int]Handle, size),
		exits:   make(chan exitEvent, size),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Size is the number of units the supervisor maintains.
func (s *Supervisor) Size() int { return s.size }

// Restarts counts replacements spawned so far.
func (s *Supervisor) Restarts() int64 { return s.restarts.Load() }

// Alive returns the ids of live units, sorted.
func (s *Supervisor) Alive() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Start spawns the initial pool.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info(fmt.Sprintf("Forking %d workers...", s.size))
	for i := 0; i < s.size; i++ {
		if err := s.spawn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context) error {
	h, err := s.spawner.Spawn(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.workers[h.ID()] = h
	m.WorkersAlive.Set(float64(len(s.workers)))
	s.mu.Unlock()
	s.logger.Debug("worker started", zap.Int("worker", h.ID()))

	go func() {
		err := h.Wait()
		s.exits <- exitEvent{handle: h, err: err}
	}()
	return nil
}

// onWorkerExit replaces the unit that exited unless the supervisor is
// shutting down.
func (s *Supervisor) onWorkerExit(ctx context.Context, ev exitEvent) error {
	id := ev.handle.ID()
	s.mu.Lock()
	// a reused pid may already belong to a newer unit
	if s.workers[id] == ev.handle {
		delete(s.workers, id)
	}
	m.WorkersAlive.Set(float64(len(s.workers)))
	stopping := s.stopping || ctx.Err() != nil
	s.mu.Unlock()

	if stopping {
		s.logger.Info(fmt.Sprintf("Worker %d exited", id), zap.NamedError("reason", ev.err))
		return nil
	}
	s.logger.Warn(fmt.Sprintf("Worker %d died. Restarting...", id), zap.NamedError("reason", ev.err))
	s.restarts.Add(1)
	m.WorkerRestartsTotal.Inc()
	return s.spawn(ctx)
}

// Run starts the pool and supervises it until ctx is cancelled, then
// forwards termination to every unit and waits for all of them. A failure
// to spawn a replacement ends Run with that error.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.shutdown()
		return fmt.Errorf("start workers: %w", err)
	}
	for {
		select {
		case ev := <-s.exits:
			if err := s.onWorkerExit(ctx, ev); err != nil {
				s.logger.Error("respawn failed", zap.Error(err))
				s.shutdown()
				return fmt.Errorf("respawn worker: %w", err)
			}
		case <-ctx.Done():
			s.shutdown()
			return nil
		}
	}
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.stopping = true
	handles := make([]Handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.Stop(); err != nil {
			s.logger.Debug("stop worker", zap.Int("worker", h.ID()), zap.Error(err))
		}
	}
	for {
		s.mu.Lock()
		left := len(s.workers)
		s.mu.Unlock()
		if left == 0 {
			return
		}
		ev := <-s.exits
		_ = s.onWorkerExit(context.Background(), ev)
	}
}

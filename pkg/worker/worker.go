package worker

import (
	m "cluster-task-queue/pkg/metrics"
	"cluster-task-queue/pkg/queue"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is where a worker is in its loop.
type State int32

const (
	StateIdle State = iota
	StatePopping
	StateExecuting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePopping:
		return "popping"
	case StateExecuting:
		return "executing"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler executes one task. A returned error ends the worker's loop.
type Handler func(ctx context.Context, task queue.Task) error

// Sleep returns a handler that only waits d, standing in for real work.
func Sleep(d time.Duration) Handler {
	return func(ctx context.Context, task queue.Task) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// limitedWait is how long a worker idles after its rate limiter says no.
const limitedWait = 50 * time.Millisecond

// Worker drains one queue, executing tasks one at a time.
type Worker struct {
	ID         string
	Client     queue.Client
	Queue      string
	PopTimeout time.Duration // 0 blocks indefinitely
	Handler    Handler
	Hooks      queue.LifecycleHooks
	Limiter    queue.RateLimiter
	Logger     *zap.Logger

	state atomic.Int32
}

// State reports the current loop state.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Run pops and executes tasks until ctx is cancelled, a pop fails, or a task
// fails. Cancellation is observed between tasks only: a task already popped
// runs to completion. A failing or panicking task is not retried; it has
// already left the queue.
func (w *Worker) Run(ctx context.Context) error {
	if w.Handler == nil {
		w.Handler = Sleep(time.Second)
	}
	if w.Hooks == nil {
		w.Hooks = queue.NoopHooks{}
	}
	if w.Limiter == nil {
		w.Limiter = queue.NoopRateLimiter{}
	}
	if w.Logger == nil {
		w.Logger = zap.NewNop()
	}
	log := w.Logger.With(zap.String("worker", w.ID), zap.String("queue", w.Queue))
	defer w.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}
		w.setState(StateIdle)

		allowed, err := w.Limiter.Allow(ctx, w.Queue)
		if err != nil {
			log.Warn("rate limiter unavailable, popping anyway", zap.Error(err))
		} else if !allowed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(limitedWait):
			}
			continue
		}

		w.setState(StatePopping)
		payload, ok, err := w.Client.BlockingPop(ctx, w.Queue, w.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pop %s: %w", w.Queue, err)
		}
		if !ok {
			continue
		}

		if err := w.execute(ctx, log, queue.NewTask(w.Queue, payload)); err != nil {
			return err
		}
	}
}

func (w *Worker) execute(ctx context.Context, log *zap.Logger, task queue.Task) error {
	w.setState(StateExecuting)
	log.Info("Processing: " + task.Payload)
	started := time.Now()

	completed := false
	defer func() {
		if completed {
			return
		}
		// panicking handler: surface the lost task, then let the panic continue
		if r := recover(); r != nil {
			w.failed(ctx, log, task, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	// shutdown must not cut a popped task short
	err := w.Handler(context.WithoutCancel(ctx), task)
	completed = true
	m.ObserveTask(task.Queue, started)
	if err != nil {
		w.failed(ctx, log, task, err.Error())
		return fmt.Errorf("task %q: %w", task.Payload, err)
	}

	log.Info("Done: " + task.Payload)
	m.TasksProcessedTotal.WithLabelValues("success", task.Queue).Inc()
	queue.Fire(w.Hooks, func(h queue.LifecycleHooks) { h.OnDone(context.WithoutCancel(ctx), task) })
	return nil
}

// failed runs hooks synchronously: the worker is about to end and an async
// hook could be lost with the process.
func (w *Worker) failed(ctx context.Context, log *zap.Logger, task queue.Task, reason string) {
	log.Error("Failed: "+task.Payload, zap.String("reason", reason))
	m.TasksProcessedTotal.WithLabelValues("fail", task.Queue).Inc()
	func() {
		defer func() { _ = recover() }()
		w.Hooks.OnFail(context.WithoutCancel(ctx), task, reason)
	}()
}

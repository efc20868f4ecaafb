package producer

import (
	m "cluster-task-queue/pkg/metrics"
	"cluster-task-queue/pkg/queue"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
	"go.uber.org/zap"
)

// Producer pushes one generated task per tick. Pushes are fire-and-forget:
// nothing waits for a worker to consume them, and the queue is not bounded.
type Producer struct {
	Client queue.Client
	Queue  string
	// Interval between ticks; ignored when Schedule is set.
	Interval time.Duration
	// Schedule, when set, is a cron expression deciding tick times.
	Schedule string
	// Payload builds each task; defaults to "Message <unix-ms>".
	Payload func(now time.Time) string
	Hooks   queue.LifecycleHooks
	Logger  *zap.Logger

	now func() time.Time
}

func (p *Producer) init() {
	if p.Payload == nil {
		p.Payload = func(now time.Time) string { return queue.TimestampPayload("Message", now) }
	}
	if p.Hooks == nil {
		p.Hooks = queue.NoopHooks{}
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
}

// Tick builds one payload and pushes it.
func (p *Producer) Tick(ctx context.Context) (string, error) {
	p.init()
	payload := p.Payload(p.now())
	if err := p.Client.Push(ctx, p.Queue, payload); err != nil {
		return "", fmt.Errorf("push %s: %w", p.Queue, err)
	}
	p.Logger.Info("Pushed: "+payload, zap.String("queue", p.Queue))
	m.TasksPushedTotal.WithLabelValues(p.Queue).Inc()
	task := queue.NewTask(p.Queue, payload)
	queue.Fire(p.Hooks, func(h queue.LifecycleHooks) { h.OnPush(context.WithoutCancel(ctx), task) })
	return payload, nil
}

// Run ticks until ctx is cancelled. A failed push is logged and the loop
// goes on to the next tick.
func (p *Producer) Run(ctx context.Context) error {
	p.init()
	next, err := p.scheduler()
	if err != nil {
		return err
	}
	for {
		wait := next(p.now())
		if wait < 0 {
			return errors.New("schedule has no future run")
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if _, err := p.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.Logger.Error("push failed", zap.String("queue", p.Queue), zap.Error(err))
		}
	}
}

// scheduler returns a function giving the wait until the next tick, or a
// negative duration when there is none.
func (p *Producer) scheduler() (func(now time.Time) time.Duration, error) {
	if p.Schedule != "" {
		expr, err := cronexpr.Parse(p.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", p.Schedule, err)
		}
		return func(now time.Time) time.Duration {
			at := expr.Next(now)
			if at.IsZero() {
				return -1
			}
			return at.Sub(now)
		}, nil
	}
	if p.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", p.Interval)
	}
	return func(time.Time) time.Duration { return p.Interval }, nil
}

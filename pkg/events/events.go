// Package events publishes task lifecycle transitions on a pub/sub channel
// so that other processes can follow the pool without touching the queue.
package events

import (
	"cluster-task-queue/pkg/queue"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Event is the JSON message published per transition.
type Event struct {
	Type    string    `json:"type"`
	Queue   string    `json:"queue"`
	Payload string    `json:"payload"`
	Reason  string    `json:"reason,omitempty"`
	Worker  string    `json:"worker,omitempty"`
	At      time.Time `json:"at"`
}

const (
	TypePushed = "pushed"
	TypeDone   = "done"
	TypeFailed = "failed"
)

// PublishHooks implements queue.LifecycleHooks by publishing Events.
type PublishHooks struct {
	PubSub  queue.PubSub
	Channel string
	Worker  string
	Logger  *zap.Logger
}

func (h *PublishHooks) OnPush(ctx context.Context, task queue.Task) {
	h.publish(ctx, Event{Type: TypePushed, Queue: task.Queue, Payload: task.Payload})
}

func (h *PublishHooks) OnDone(ctx context.Context, task queue.Task) {
	h.publish(ctx, Event{Type: TypeDone, Queue: task.Queue, Payload: task.Payload, Worker: h.Worker})
}

func (h *PublishHooks) OnFail(ctx context.Context, task queue.Task, reason string) {
	h.publish(ctx, Event{Type: TypeFailed, Queue: task.Queue, Payload: task.Payload, Reason: reason, Worker: h.Worker})
}

func (h *PublishHooks) publish(ctx context.Context, evt Event) {
	evt.At = time.Now().UTC()
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := h.PubSub.Publish(ctx, h.Channel, string(b)); err != nil && h.Logger != nil {
		h.Logger.Warn("publish event failed", zap.String("channel", h.Channel), zap.Error(err))
	}
}

// Follow subscribes to channel and hands every decoded event to fn.
// Messages that are not events are skipped.
func Follow(ctx context.Context, ps queue.PubSub, channel string, fn func(Event)) (queue.Subscription, error) {
	return ps.Subscribe(ctx, channel, func(msg string) {
		var evt Event
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			return
		}
		fn(evt)
	})
}

package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by adapters after Close.
	ErrClosed = errors.New("queue client closed")
	// ErrUnsupported is returned when a backend lacks an optional capability.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// Client is the core capability every backend provides: FIFO push and
// blocking pop against a named list.
type Client interface {
	// Push appends payload to the tail of queueName.
	Push(ctx context.Context, queueName, payload string) error
	// BlockingPop removes and returns the head of queueName, waiting until an
	// entry is available. A zero timeout blocks indefinitely; ok is false only
	// when a positive timeout elapsed with nothing to pop.
	BlockingPop(ctx context.Context, queueName string, timeout time.Duration) (payload string, ok bool, err error)
	// Len reports the number of entries waiting in queueName.
	Len(ctx context.Context, queueName string) (int64, error)
	Close() error
}

// KeyValue is implemented by backends offering simple get/set.
type KeyValue interface {
	// Get returns the value for key; ok is false when the key is missing.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value; a zero expiration keeps the key forever.
	Set(ctx context.Context, key, value string, expiration time.Duration) error
}

// Subscription is an active channel subscription.
type Subscription interface {
	Close() error
}

// PubSub is implemented by backends offering publish/subscribe.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	// Subscribe delivers every message on channel to handler, from its own
	// goroutine and connection, until the subscription is closed or ctx ends.
	Subscribe(ctx context.Context, channel string, handler func(message string)) (Subscription, error)
}

// StreamMessage is one entry read from a stream.
type StreamMessage struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// Streams is implemented by backends offering append-only streams with
// consumer groups.
type Streams interface {
	// StreamAppend adds fields as a new entry with a store-assigned id.
	StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error)
	// CreateConsumerGroup creates group on stream starting at new entries,
	// creating the stream if needed. An existing group is not an error.
	CreateConsumerGroup(ctx context.Context, stream, group string) error
	// ReadGroup reads up to count never-delivered entries for consumer. A zero
	// block waits indefinitely; an elapsed block returns no messages.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error)
	AckStream(ctx context.Context, stream, group string, ids ...string) error
}

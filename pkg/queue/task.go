package queue

import (
	"fmt"
	"time"
)

// Task is an opaque text payload read from or written to a named queue.
// It carries no identity beyond its position in the queue.
type Task struct {
	Queue   string `json:"queue"`
	Payload string `json:"payload"`
}

// NewTask builds a task for queueName.
func NewTask(queueName, payload string) Task {
	return Task{Queue: queueName, Payload: payload}
}

// TimestampPayload returns "<prefix> <unix-ms>", the sample payload the producer emits.
func TimestampPayload(prefix string, now time.Time) string {
	return fmt.Sprintf("%s %d", prefix, now.UnixMilli())
}

func (t Task) String() string { return t.Payload }

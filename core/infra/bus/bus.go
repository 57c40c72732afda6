// Package bus provides the durable job-queue boundary between the compile
// bridge and the worker fleet. Messages are deduplicated by job identifier
// and delivered in order within one queue.
package bus

import (
	"context"
	"errors"
)

// Message is one job deposit as seen by a consumer.
type Message struct {
	Queue    string
	DedupKey string
	GroupKey string
	Payload  []byte
}

// Handler processes one consumed message. Returning an error wrapped with
// RetryAfter requests redelivery on buses that support it.
type Handler func(ctx context.Context, msg *Message) error

// CancelFunc detaches a consumer.
type CancelFunc func()

// Queue is the durable queue the dispatcher deposits into and workers
// consume from.
type Queue interface {
	Publish(ctx context.Context, queue, dedupKey, groupKey string, payload []byte) error
	Consume(queue, group string, handler Handler) (CancelFunc, error)
	Close()
}

var (
	// ErrEmptyQueue is returned when a publish or consume names no queue.
	ErrEmptyQueue = errors.New("empty queue name")
	// ErrEmptyPayload is returned when a publish carries no payload.
	ErrEmptyPayload = errors.New("empty payload")

	errNilHandler = errors.New("nil handler")
)

package broker

import (
	"context"
	"errors"
)

// HeaderRetryCount carries the number of retries already spent by a message.
const HeaderRetryCount = "x-retry-count"

var (
	// ErrClosed is returned once the gateway has been shut down or its channel died.
	ErrClosed = errors.New("broker closed")

	// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
	ErrAlreadySettled = errors.New("delivery already settled")

	// ErrUnroutable is returned for a routing key with no bound queue.
	ErrUnroutable = errors.New("unroutable message")
)

// Message is the broker-agnostic payload plus the metadata the worker needs.
type Message struct {
	Body       []byte
	RetryCount int
}

// Delivery is a consumed message that must be settled exactly once.
type Delivery interface {
	Message() Message
	// Ack removes the message from its queue.
	Ack() error
	// Requeue is nack(requeue=true): the message goes back through the retry
	// route carrying retryCount, and the original is removed.
	Requeue(ctx context.Context, retryCount int) error
	// DeadLetter is nack(requeue=false): the queue's dead-letter exchange
	// routes the message to the dead-letter queue.
	DeadLetter() error
	// Reject returns the message to the queue it came from.
	Reject() error
}

// Handler processes one delivery. It owns settling the delivery.
type Handler func(ctx context.Context, d Delivery)

// Gateway is the publish/consume surface the orchestrator and worker depend on.
type Gateway interface {
	Publish(ctx context.Context, routingKey string, msg Message) error
	// Consume runs concurrency handlers against queue until ctx is done.
	Consume(ctx context.Context, queue string, concurrency int, h Handler) error
	// Get pulls a single message without a consumer; ok is false when the queue is empty.
	Get(ctx context.Context, queue string) (d Delivery, ok bool, err error)
	Close() error
}

// Publisher is the subset of Gateway used by producers.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg Message) error
}

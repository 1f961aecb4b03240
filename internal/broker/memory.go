package broker

import (
	"context"
	"fmt"
	"sync"
)

const memoryQueueCapacity = 4096

// Outcome records how a memory delivery was settled.
type Outcome string

const (
	OutcomePending      Outcome = ""
	OutcomeAcked        Outcome = "acked"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeRejected     Outcome = "rejected"
)

// Memory is an in-process Gateway with the same routing as the AMQP topology.
// The retry queue is consumed directly; its TTL only applies through ExpireRetries.
type Memory struct {
	mu        sync.Mutex
	queues    map[string]chan Message
	published map[string][]Message
	closed    bool
	done      chan struct{}
}

// NewMemory builds an empty in-memory broker.
func NewMemory() *Memory {
	m := &Memory{
		queues:    make(map[string]chan Message),
		published: make(map[string][]Message),
		done:      make(chan struct{}),
	}
	for _, q := range []string{QueueRequest, QueueRetry, QueueDeadLetter} {
		m.queues[q] = make(chan Message, memoryQueueCapacity)
	}
	return m
}

// Publish routes msg to the queue bound to routingKey.
func (m *Memory) Publish(_ context.Context, routingKey string, msg Message) error {
	queue, ok := queueForRoute(routingKey)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnroutable, routingKey)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.published[routingKey] = append(m.published[routingKey], copyMessage(msg))
	return m.enqueueLocked(queue, msg)
}

// Consume runs concurrency handlers against queue until ctx is done or the broker closes.
func (m *Memory) Consume(ctx context.Context, queue string, concurrency int, h Handler) error {
	ch, err := m.queue(queue)
	if err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.done:
					return
				case msg := <-ch:
					h(ctx, &MemoryDelivery{broker: m, queue: queue, msg: msg})
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Get pops one message without blocking.
func (m *Memory) Get(_ context.Context, queue string) (Delivery, bool, error) {
	ch, err := m.queue(queue)
	if err != nil {
		return nil, false, err
	}
	select {
	case msg := <-ch:
		return &MemoryDelivery{broker: m, queue: queue, msg: msg}, true, nil
	default:
		return nil, false, nil
	}
}

// Close stops consumers and rejects further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Depth reports the number of messages waiting in queue.
func (m *Memory) Depth(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// ExpireRetries moves every message waiting in the retry queue to the
// dead-letter queue, as the retry queue's TTL does on RabbitMQ. It returns
// the number of messages moved.
func (m *Memory) ExpireRetries() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	moved := 0
	for {
		select {
		case msg := <-m.queues[QueueRetry]:
			if err := m.enqueueLocked(QueueDeadLetter, msg); err != nil {
				return moved, err
			}
			moved++
		default:
			return moved, nil
		}
	}
}

// Published returns every message published with routingKey, in order.
func (m *Memory) Published(routingKey string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.published[routingKey]))
	copy(out, m.published[routingKey])
	return out
}

func (m *Memory) queue(name string) (chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("unknown queue %s", name)
	}
	return ch, nil
}

func (m *Memory) enqueue(queue string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.enqueueLocked(queue, msg)
}

func (m *Memory) enqueueLocked(queue string, msg Message) error {
	select {
	case m.queues[queue] <- copyMessage(msg):
		return nil
	default:
		return fmt.Errorf("queue %s is full", queue)
	}
}

func copyMessage(msg Message) Message {
	msg.Body = append([]byte(nil), msg.Body...)
	return msg
}

// MemoryDelivery is the Delivery handed out by Memory.
type MemoryDelivery struct {
	broker  *Memory
	queue   string
	msg     Message
	mu      sync.Mutex
	outcome Outcome
}

// Message returns the delivered payload.
func (d *MemoryDelivery) Message() Message { return d.msg }

// Outcome reports how the delivery was settled.
func (d *MemoryDelivery) Outcome() Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome
}

func (d *MemoryDelivery) Ack() error {
	return d.settle(OutcomeAcked, nil)
}

func (d *MemoryDelivery) Requeue(ctx context.Context, retryCount int) error {
	return d.settle(OutcomeRequeued, func() error {
		return d.broker.Publish(ctx, RouteRetry, Message{Body: d.msg.Body, RetryCount: retryCount})
	})
}

func (d *MemoryDelivery) DeadLetter() error {
	return d.settle(OutcomeDeadLettered, func() error {
		return d.broker.enqueue(QueueDeadLetter, d.msg)
	})
}

func (d *MemoryDelivery) Reject() error {
	return d.settle(OutcomeRejected, func() error {
		return d.broker.enqueue(d.queue, d.msg)
	})
}

func (d *MemoryDelivery) settle(outcome Outcome, effect func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outcome != OutcomePending {
		return ErrAlreadySettled
	}
	if effect != nil {
		if err := effect(); err != nil {
			return err
		}
	}
	d.outcome = outcome
	return nil
}

package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchange           = "payments"
	defaultDeadLetterExchange = "payments.dlx"
	defaultExchangeType       = "direct"

	QueueRequest    = "payments.request"
	QueueRetry      = "payments.retry"
	QueueDeadLetter = "payments.dead_letter"

	RouteRequest    = "payment.request"
	RouteRetry      = "payment.retry"
	RouteDeadLetter = "payment.dlq"

	defaultRetryTTL = 5 * time.Second
)

// AMQPChannel is the part of *amqp.Channel needed to declare topology.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology names the exchanges, queues and routes of the payment pipeline.
type Topology struct {
	Exchange           string
	DeadLetterExchange string
	RetryTTL           time.Duration
}

// DefaultTopology returns the standard names with the given retry delay.
func DefaultTopology(retryTTL time.Duration) Topology {
	if retryTTL <= 0 {
		retryTTL = defaultRetryTTL
	}
	return Topology{
		Exchange:           defaultExchange,
		DeadLetterExchange: defaultDeadLetterExchange,
		RetryTTL:           retryTTL,
	}
}

// queueForRoute maps a routing key to the queue bound to it.
func queueForRoute(routingKey string) (string, bool) {
	switch routingKey {
	case RouteRequest:
		return QueueRequest, true
	case RouteRetry:
		return QueueRetry, true
	case RouteDeadLetter:
		return QueueDeadLetter, true
	default:
		return "", false
	}
}

func (t Topology) deadLetterArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": RouteDeadLetter,
	}
}

func (t Topology) retryArgs() amqp.Table {
	args := t.deadLetterArgs()
	ttl := t.RetryTTL.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	args["x-message-ttl"] = ttl
	return args
}

// DeclareTopology declares both exchanges, the queues and their bindings.
// Declarations are idempotent so every process may run it at start-up.
func DeclareTopology(ch AMQPChannel, t Topology) error {
	if ch == nil {
		return fmt.Errorf("declare topology: channel is required")
	}

	for _, exchange := range []string{t.Exchange, t.DeadLetterExchange} {
		if err := ch.ExchangeDeclare(exchange, defaultExchangeType, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	queues := []struct {
		name     string
		exchange string
		route    string
		args     amqp.Table
	}{
		{QueueRequest, t.Exchange, RouteRequest, t.deadLetterArgs()},
		{QueueRetry, t.Exchange, RouteRetry, t.retryArgs()},
		{QueueDeadLetter, t.DeadLetterExchange, RouteDeadLetter, nil},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.route, q.exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", q.name, q.exchange, err)
		}
	}

	// Deliveries the worker already acked (parked ones) are dead-lettered by
	// publishing directly, so the dead-letter queue is reachable from the main exchange too.
	if err := ch.QueueBind(QueueDeadLetter, RouteDeadLetter, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", QueueDeadLetter, t.Exchange, err)
	}
	return nil
}

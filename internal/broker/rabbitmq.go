package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitGateway publishes and consumes over a single AMQP connection. The
// connection itself is owned by the caller (see infra.NewRabbitConnection).
type RabbitGateway struct {
	conn   *amqp.Connection
	topo   Topology
	logger *slog.Logger

	mu     sync.Mutex // guards pub, get and closed
	pub    *amqp.Channel
	get    *amqp.Channel
	closed bool
}

// NewRabbitGateway opens a publishing channel and declares the topology.
func NewRabbitGateway(conn *amqp.Connection, topo Topology, logger *slog.Logger) (*RabbitGateway, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is required")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := DeclareTopology(ch, topo); err != nil {
		ch.Close()
		return nil, err
	}
	return &RabbitGateway{conn: conn, topo: topo, logger: logger, pub: ch}, nil
}

// Publish sends a persistent message to the main exchange.
func (g *RabbitGateway) Publish(ctx context.Context, routingKey string, msg Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	return g.pub.PublishWithContext(ctx, g.topo.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{HeaderRetryCount: int32(msg.RetryCount)},
		Body:         msg.Body,
	})
}

// Consume runs concurrency handlers on a dedicated channel with a matching prefetch.
func (g *RabbitGateway) Consume(ctx context.Context, queue string, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	ch, err := g.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
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
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					h(ctx, &rabbitDelivery{gw: g, raw: d})
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("consume %s: %w", queue, ErrClosed)
}

// Get pulls one message with basic.get. Unsettled messages stay unacked on the
// get channel until settled, so repeated calls walk past them.
func (g *RabbitGateway) Get(_ context.Context, queue string) (Delivery, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, false, ErrClosed
	}
	if g.get == nil || g.get.IsClosed() {
		ch, err := g.conn.Channel()
		if err != nil {
			return nil, false, fmt.Errorf("open get channel: %w", err)
		}
		g.get = ch
	}
	d, ok, err := g.get.Get(queue, false)
	if err != nil || !ok {
		return nil, false, err
	}
	return &rabbitDelivery{gw: g, raw: d}, true, nil
}

// Close closes the gateway's channels. The connection is left to its owner.
func (g *RabbitGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	var errs []error
	if g.get != nil {
		if err := g.get.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := g.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type rabbitDelivery struct {
	gw  *RabbitGateway
	raw amqp.Delivery
}

func (d *rabbitDelivery) Message() Message {
	return Message{Body: d.raw.Body, RetryCount: retryCount(d.raw.Headers)}
}

func (d *rabbitDelivery) Ack() error {
	return d.raw.Ack(false)
}

func (d *rabbitDelivery) Requeue(ctx context.Context, retryCount int) error {
	if err := d.gw.Publish(ctx, RouteRetry, Message{Body: d.raw.Body, RetryCount: retryCount}); err != nil {
		return fmt.Errorf("publish retry: %w", err)
	}
	return d.raw.Ack(false)
}

func (d *rabbitDelivery) DeadLetter() error {
	return d.raw.Nack(false, false)
}

func (d *rabbitDelivery) Reject() error {
	return d.raw.Nack(false, true)
}

// retryCount tolerates the integer widths different publishers use for the header.
func retryCount(headers amqp.Table) int {
	switch v := headers[HeaderRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

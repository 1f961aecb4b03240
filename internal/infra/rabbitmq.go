package infra

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const rabbitHeartbeat = 10 * time.Second

// NewRabbitConnection dials RabbitMQ and verifies a channel can be opened.
func NewRabbitConnection(url string) (*amqp.Connection, error) {
	if url == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: rabbitHeartbeat,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "walletqueue",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	if err := PingRabbit(context.Background(), conn); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// PingRabbit reports whether the connection is open and can still hand out channels.
func PingRabbit(_ context.Context, conn *amqp.Connection) error {
	if conn == nil {
		return ErrNotConfigured
	}
	if conn.IsClosed() {
		return fmt.Errorf("ping rabbitmq: connection closed")
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("ping rabbitmq: %w", err)
	}
	return ch.Close()
}

package infra

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects the client shared by idempotency, rate limiting,
// admission and the deferred queue, and verifies connectivity.
func NewRedisClient(ctx context.Context, url, clientName string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if clientName != "" {
		opt.ClientName = clientName
	}

	client := redis.NewClient(opt)
	if err := PingRedis(ctx, client); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// PingRedis checks the client can reach the server.
func PingRedis(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return ErrNotConfigured
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// poolHeadroom is the number of connections kept for API requests on top of
// one per worker slot.
const poolHeadroom = 4

// PoolOptions sizes the Postgres pool for the process.
type PoolOptions struct {
	// AppName is reported to Postgres as application_name.
	AppName string
	// WorkerConcurrency reserves one connection per concurrent attempt.
	WorkerConcurrency int
}

func (o PoolOptions) apply(cfg *pgxpool.Config) {
	if o.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = o.AppName
	}
	if o.WorkerConcurrency > 0 {
		cfg.MaxConns = int32(o.WorkerConcurrency + poolHeadroom)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
}

// NewPostgresPool opens the pool backing the ledger and transaction store and
// verifies connectivity.
func NewPostgresPool(ctx context.Context, url string, opts PoolOptions) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	opts.apply(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := PingPostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// PingPostgres checks the pool can reach the server.
func PingPostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrNotConfigured
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

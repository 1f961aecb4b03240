package infra

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// ErrNotConfigured is returned by the ping helpers for a backend the process
// runs without.
var ErrNotConfigured = errors.New("not configured")

// Status values reported per backend.
const (
	StatusOK            = "ok"
	StatusNotConfigured = "not configured"
)

// Backends lists the external connections of the process.
type Backends struct {
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Rabbit *amqp.Connection
}

// Check pings every backend and reports a status per backend name. healthy is
// false if any configured backend failed; unconfigured ones do not count.
func (b Backends) Check(ctx context.Context) (status map[string]string, healthy bool) {
	results := map[string]error{
		"postgres": PingPostgres(ctx, b.DB),
		"redis":    PingRedis(ctx, b.Cache),
		"rabbitmq": PingRabbit(ctx, b.Rabbit),
	}
	status = make(map[string]string, len(results))
	healthy = true
	for name, err := range results {
		switch {
		case err == nil:
			status[name] = StatusOK
		case errors.Is(err, ErrNotConfigured):
			status[name] = StatusNotConfigured
		default:
			status[name] = err.Error()
			healthy = false
		}
	}
	return status, healthy
}

// Package bootstrap connects the configured backends and assembles the
// services shared by the API process and the command-line tools.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/walletqueue/internal/broker"
	"github.com/congo-pay/walletqueue/internal/config"
	"github.com/congo-pay/walletqueue/internal/infra"
	"github.com/congo-pay/walletqueue/internal/ledger"
	"github.com/congo-pay/walletqueue/internal/metrics"
	"github.com/congo-pay/walletqueue/internal/notification"
	"github.com/congo-pay/walletqueue/internal/payments"
	"github.com/congo-pay/walletqueue/internal/transaction"
	"github.com/congo-pay/walletqueue/internal/wallet"
	"github.com/congo-pay/walletqueue/internal/worker"
)

// Infra holds the external connections. A nil field means the backend is not
// configured and an in-memory stand-in is used, which only development allows.
type Infra struct {
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Rabbit *amqp.Connection
}

// Connect dials every backend whose URL is configured.
func Connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (Infra, error) {
	var in Infra
	var err error

	if cfg.DatabaseURL != "" {
		if in.DB, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL, infra.PoolOptions{
			AppName:           cfg.AppName,
			WorkerConcurrency: cfg.WorkerConcurrency,
		}); err != nil {
			return in, err
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory ledger and transaction store")
	}

	if cfg.RedisURL != "" {
		if in.Cache, err = infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName); err != nil {
			in.Close(logger)
			return Infra{}, err
		}
	} else {
		logger.Warn("REDIS_URL not set, idempotency and distributed admission disabled")
	}

	if cfg.RabbitMQURL != "" {
		if in.Rabbit, err = infra.NewRabbitConnection(cfg.RabbitMQURL); err != nil {
			in.Close(logger)
			return Infra{}, err
		}
	} else {
		logger.Warn("RABBITMQ_URL not set, using in-memory broker")
	}
	return in, nil
}

// Close releases every open connection.
func (in Infra) Close(logger *slog.Logger) {
	if in.Rabbit != nil {
		if err := in.Rabbit.Close(); err != nil {
			logger.Warn("close rabbitmq", "error", err)
		}
	}
	if in.Cache != nil {
		if err := in.Cache.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}
	if in.DB != nil {
		in.DB.Close()
	}
}

// Components are the assembled services.
type Components struct {
	Ledger   ledger.Ledger
	Store    transaction.Store
	Gateway  broker.Gateway
	Payments *payments.Service
	Wallets  *wallet.Service
	Worker   *worker.Worker
	Metrics  *metrics.Metrics
}

// Build wires the services over in, choosing backends from cfg.
func Build(cfg config.Config, in Infra, logger *slog.Logger) (*Components, error) {
	if !cfg.IsDev() && (in.DB == nil || in.Cache == nil || in.Rabbit == nil) {
		return nil, fmt.Errorf("postgres, redis and rabbitmq are required when APP_ENV=%s", cfg.AppEnv)
	}

	c := &Components{Metrics: metrics.New()}
	if in.DB != nil {
		c.Ledger = ledger.NewPostgresLedger(in.DB)
		c.Store = transaction.NewPostgresStore(in.DB)
	} else {
		c.Ledger = ledger.NewInMemory()
		c.Store = transaction.NewMemoryStore()
	}

	if in.Rabbit != nil {
		gw, err := broker.NewRabbitGateway(in.Rabbit, broker.DefaultTopology(cfg.RetryTTL), logger)
		if err != nil {
			return nil, err
		}
		c.Gateway = gw
	} else {
		c.Gateway = broker.NewMemory()
	}

	svc, err := payments.NewService(payments.Deps{
		Ledger:     c.Ledger,
		Store:      c.Store,
		Publisher:  c.Gateway,
		Settlement: payments.NewRandomSettlement(cfg.SuccessRate),
		Notifier:   notification.NewLoggerNotifier(logger),
		Logger:     logger,
		DelayMin:   cfg.ProcessingDelayMin,
		DelayMax:   cfg.ProcessingDelayMax,
	})
	if err != nil {
		return nil, err
	}
	c.Payments = svc
	c.Wallets = wallet.NewService(c.Ledger, cfg.DefaultWalletBalance, logger)

	admission, err := buildAdmission(cfg, in, logger)
	if err != nil {
		return nil, err
	}
	deferred, err := buildDeferred(cfg, in, c.Store)
	if err != nil {
		return nil, err
	}

	c.Worker, err = worker.New(worker.Options{
		Concurrency:       cfg.WorkerConcurrency,
		MaxRetries:        cfg.MaxRetries,
		BackoffBase:       cfg.RetryBackoffBase,
		BackoffMax:        cfg.RetryBackoffMax,
		ReconcileSchedule: cfg.ReconcileSchedule,
		StaleAfter:        cfg.StaleAttemptAfter,
	}, worker.Deps{
		Gateway:      c.Gateway,
		Store:        c.Store,
		Orchestrator: svc,
		Admission:    admission,
		Deferred:     deferred,
		Metrics:      c.Metrics,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func buildAdmission(cfg config.Config, in Infra, logger *slog.Logger) (worker.Admission, error) {
	if cfg.AdmissionBackend != config.BackendRedis {
		return worker.NewLocalAdmission(), nil
	}
	if in.Cache == nil {
		if !cfg.IsDev() {
			return nil, fmt.Errorf("ADMISSION_BACKEND=redis requires REDIS_URL")
		}
		logger.Warn("redis admission requested without redis, falling back to in-process admission")
		return worker.NewLocalAdmission(), nil
	}
	return worker.NewRedisAdmission(in.Cache, cfg.AdmissionTTL)
}

func buildDeferred(cfg config.Config, in Infra, store transaction.Store) (worker.DeferredQueue, error) {
	if cfg.DeferralBackend != config.BackendRedis {
		return worker.NewStoreDeferredQueue(store), nil
	}
	if in.Cache == nil {
		return nil, fmt.Errorf("DEFERRAL_BACKEND=redis requires REDIS_URL")
	}
	return worker.NewRedisDeferredQueue(in.Cache), nil
}

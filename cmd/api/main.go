package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/walletqueue/internal/bootstrap"
	"github.com/congo-pay/walletqueue/internal/config"
	"github.com/congo-pay/walletqueue/internal/infra"
	"github.com/congo-pay/walletqueue/internal/logging"
	"github.com/congo-pay/walletqueue/internal/routes"
	"github.com/congo-pay/walletqueue/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	in, err := bootstrap.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect backends", "error", err)
		os.Exit(1)
	}
	defer in.Close(logger)

	if in.DB != nil {
		if err := infra.EnsureSchema(ctx, in.DB); err != nil {
			logger.Error("ensure schema", "error", err)
			os.Exit(1)
		}
	}

	components, err := bootstrap.Build(cfg, in, logger)
	if err != nil {
		logger.Error("build services", "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg, routes.Deps{
		DB:       in.DB,
		Cache:    in.Cache,
		Rabbit:   in.Rabbit,
		Logger:   logger,
		Metrics:  components.Metrics,
		Payments: components.Payments,
		Wallets:  components.Wallets,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Listen)
	if cfg.WorkerEnabled {
		g.Go(func() error {
			return components.Worker.Run(gctx)
		})
	} else {
		logger.Info("worker disabled, serving HTTP only")
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		if err := components.Gateway.Close(); err != nil {
			logger.Warn("close broker gateway", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("service exited cleanly")
}

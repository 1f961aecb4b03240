package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/congo-pay/walletqueue/internal/config"
	"github.com/congo-pay/walletqueue/internal/infra"
	"github.com/congo-pay/walletqueue/internal/logging"
)

// Applies the Postgres schema. With -print the DDL is written to stdout instead.
func main() {
	printOnly := flag.Bool("print", false, "print the schema instead of applying it")
	flag.Parse()

	if *printOnly {
		fmt.Print(infra.Schema())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, infra.PoolOptions{AppName: cfg.AppName + "-migrate"})
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := infra.EnsureSchema(ctx, db); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed")
}

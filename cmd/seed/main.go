package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/congo-pay/walletqueue/internal/bootstrap"
	"github.com/congo-pay/walletqueue/internal/config"
	"github.com/congo-pay/walletqueue/internal/ledger"
	"github.com/congo-pay/walletqueue/internal/logging"
	"github.com/congo-pay/walletqueue/internal/wallet"
)

// Provisions demo wallets and submits a burst of demo transactions against
// them. The running API's worker processes them.
func main() {
	wallets := flag.Int("wallets", 3, "number of demo wallets")
	perWallet := flag.Int("transactions", 5, "transactions submitted per wallet")
	amount := flag.Int64("amount", 30, "amount of each demo transaction")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	in, err := bootstrap.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect backends", "error", err)
		os.Exit(1)
	}
	defer in.Close(logger)

	components, err := bootstrap.Build(cfg, in, logger)
	if err != nil {
		logger.Error("build services", "error", err)
		os.Exit(1)
	}
	defer components.Gateway.Close()

	for i := 1; i <= *wallets; i++ {
		id := fmt.Sprintf("demo-wallet-%d", i)
		w, err := components.Wallets.Create(ctx, wallet.CreateInput{ID: id, Name: fmt.Sprintf("Demo wallet %d", i)})
		switch {
		case errors.Is(err, ledger.ErrWalletExists):
			logger.Info("demo wallet already present", "wallet_id", id)
		case err != nil:
			logger.Error("provision demo wallet", "wallet_id", id, "error", err)
			os.Exit(1)
		default:
			logger.Info("demo wallet provisioned", "wallet_id", w.ID, "balance", w.Balance)
		}

		for n := 0; n < *perWallet; n++ {
			tx, err := components.Payments.CreateTransaction(ctx, id, *amount)
			if err != nil {
				logger.Error("submit demo transaction", "wallet_id", id, "error", err)
				os.Exit(1)
			}
			logger.Info("demo transaction submitted", "transaction_id", tx.ID, "wallet_id", id, "amount", tx.Amount)
		}
	}
}

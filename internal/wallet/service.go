package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/congo-pay/walletqueue/internal/ledger"
	"github.com/congo-pay/walletqueue/internal/logging"
)

var (
	// ErrInvalidInput covers a blank name or a negative opening balance.
	ErrInvalidInput = errors.New("invalid wallet input")
)

// Service provisions wallets on the ledger.
type Service struct {
	ledger         ledger.Ledger
	defaultBalance int64
	logger         *slog.Logger
}

// NewService builds a wallet service. New wallets open with defaultBalance
// unless the caller names a balance.
func NewService(l ledger.Ledger, defaultBalance int64, logger *slog.Logger) *Service {
	return &Service{ledger: l, defaultBalance: defaultBalance, logger: logging.Component(logger, "wallet")}
}

// CreateInput captures data required to create a wallet.
type CreateInput struct {
	ID      string
	Name    string
	Balance *int64
}

// Create provisions a wallet.
func (s *Service) Create(ctx context.Context, input CreateInput) (ledger.Wallet, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return ledger.Wallet{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	balance := s.defaultBalance
	if input.Balance != nil {
		balance = *input.Balance
	}
	if balance < 0 {
		return ledger.Wallet{}, fmt.Errorf("%w: balance must not be negative", ErrInvalidInput)
	}
	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}

	wallet, err := s.ledger.Create(ctx, ledger.Wallet{ID: id, Name: name, Balance: balance})
	if err != nil {
		return ledger.Wallet{}, err
	}
	s.logger.Info("wallet provisioned", "wallet_id", wallet.ID, "balance", wallet.Balance)
	return wallet, nil
}

// Get returns the wallet snapshot.
func (s *Service) Get(ctx context.Context, id string) (ledger.Wallet, error) {
	return s.ledger.Get(ctx, id)
}

// List returns every wallet, oldest first.
func (s *Service) List(ctx context.Context) ([]ledger.Wallet, error) {
	return s.ledger.List(ctx)
}

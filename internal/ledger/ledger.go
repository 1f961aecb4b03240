package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWalletNotFound is returned when no wallet exists for the identifier.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletExists is returned when creating a wallet whose id is taken.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrInsufficientFunds occurs when the wallet's spendable amount (balance
	// minus reserved) cannot cover a reservation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrHoldExists indicates the transaction already holds a reservation.
	ErrHoldExists = errors.New("reservation already held for transaction")

	// ErrAlreadySettled indicates the transaction's hold was already debited.
	ErrAlreadySettled = errors.New("transaction already settled")

	// ErrHoldNotFound indicates there is no reservation to settle for the transaction.
	ErrHoldNotFound = errors.New("no reservation held for transaction")

	// ErrInvalidAmount rejects zero or negative amounts and balances.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Wallet is a snapshot of a wallet's funds.
type Wallet struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	Reserved  int64     `json:"reserved"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available is the spendable amount: funds not earmarked by in-flight transactions.
func (w Wallet) Available() int64 {
	return w.Balance - w.Reserved
}

// Hold records the reservation a single transaction attempt holds against a wallet.
type Hold struct {
	TransactionID string
	WalletID      string
	Amount        int64
	CreatedAt     time.Time
	// SettledAt is set once the hold was debited. A settled hold is kept so the
	// same transaction can never be reserved or debited again.
	SettledAt *time.Time
}

// Ledger owns wallet balance and reservation state. Every Reserve is paired with
// exactly one Release or Settle through the hold keyed by transaction id, and a
// transaction is settled at most once: Reserve and Settle on a settled
// transaction return ErrAlreadySettled, Release leaves it untouched.
type Ledger interface {
	Create(ctx context.Context, wallet Wallet) (Wallet, error)
	Get(ctx context.Context, walletID string) (Wallet, error)
	List(ctx context.Context) ([]Wallet, error)
	Reserve(ctx context.Context, walletID, txID string, amount int64) (Wallet, error)
	Release(ctx context.Context, walletID, txID string) (int64, error)
	Settle(ctx context.Context, walletID, txID string) (Wallet, error)
	Settled(ctx context.Context, txID string) (bool, error)
}

package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no transaction matches the query.
	ErrNotFound = errors.New("transaction not found")

	// ErrInvalidTransition rejects a status write the transition table does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Transaction is a debit request against a wallet, processed asynchronously.
type Transaction struct {
	ID             string     `json:"id"`
	WalletID       string     `json:"wallet_id"`
	Amount         int64      `json:"amount"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	StashedMessage []byte     `json:"-"`
}

// Stashed reports whether a deferred delivery is parked on the record.
func (t Transaction) Stashed() bool {
	return len(t.StashedMessage) > 0
}

// Store persists transactions and answers the admission queries the worker depends on.
type Store interface {
	Create(ctx context.Context, tx Transaction) (Transaction, error)
	Get(ctx context.Context, id string) (Transaction, error)
	CountActive(ctx context.Context, walletID string) (int, error)
	OldestPending(ctx context.Context, walletID, excludingID string) (Transaction, error)
	OldestStashed(ctx context.Context, walletID string) (Transaction, error)
	SetStatus(ctx context.Context, id string, status Status) (Transaction, error)
	StashMessage(ctx context.Context, id string, blob []byte) error
	ClearStash(ctx context.Context, id string) error
	// TakeStash atomically reads and clears the parked delivery. It returns nil
	// when nothing is parked, so concurrent callers see the blob at most once.
	TakeStash(ctx context.Context, id string) ([]byte, error)
	CountStashed(ctx context.Context, walletID string) (int, error)
	ListByWallet(ctx context.Context, walletID string) ([]Transaction, error)
	ListByStatus(ctx context.Context, status Status) ([]Transaction, error)
}

func transitionError(id string, from, to Status) error {
	return fmt.Errorf("%w: transaction %s %s -> %s", ErrInvalidTransition, id, from, to)
}

// applyStatus mutates tx in place if the move is allowed.
func applyStatus(tx *Transaction, to Status, now time.Time) error {
	if !CanTransition(tx.Status, to) {
		return transitionError(tx.ID, tx.Status, to)
	}
	tx.Status = to
	tx.UpdatedAt = now
	if to == StatusDelayedProcessing {
		attempt := now
		tx.LastAttemptAt = &attempt
	}
	return nil
}

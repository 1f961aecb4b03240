package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type inMemoryLedger struct {
	mu      sync.RWMutex
	wallets map[string]Wallet
	holds   map[string]Hold
	now     func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests
// and local development.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		wallets: make(map[string]Wallet),
		holds:   make(map[string]Hold),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *inMemoryLedger) Create(_ context.Context, wallet Wallet) (Wallet, error) {
	if wallet.ID == "" {
		return Wallet{}, fmt.Errorf("wallet id is required")
	}
	if wallet.Balance < 0 {
		return Wallet{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.wallets[wallet.ID]; exists {
		return Wallet{}, fmt.Errorf("%w: %s", ErrWalletExists, wallet.ID)
	}
	now := l.now()
	wallet.Reserved = 0
	wallet.CreatedAt = now
	wallet.UpdatedAt = now
	l.wallets[wallet.ID] = wallet
	return wallet, nil
}

func (l *inMemoryLedger) Get(_ context.Context, walletID string) (Wallet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	wallet, ok := l.wallets[walletID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return wallet, nil
}

func (l *inMemoryLedger) List(_ context.Context) ([]Wallet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Wallet, 0, len(l.wallets))
	for _, w := range l.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *inMemoryLedger) Reserve(_ context.Context, walletID, txID string, amount int64) (Wallet, error) {
	if amount <= 0 {
		return Wallet{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	wallet, ok := l.wallets[walletID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	if hold, held := l.holds[txID]; held {
		if hold.SettledAt != nil {
			return wallet, ErrAlreadySettled
		}
		return wallet, ErrHoldExists
	}
	if wallet.Available() < amount {
		return wallet, ErrInsufficientFunds
	}

	now := l.now()
	wallet.Reserved += amount
	wallet.UpdatedAt = now
	l.wallets[walletID] = wallet
	l.holds[txID] = Hold{TransactionID: txID, WalletID: walletID, Amount: amount, CreatedAt: now}
	return wallet, nil
}

func (l *inMemoryLedger) Release(_ context.Context, walletID, txID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hold, held := l.holds[txID]
	if !held || hold.SettledAt != nil {
		return 0, nil
	}
	wallet, ok := l.wallets[walletID]
	if !ok {
		return 0, ErrWalletNotFound
	}

	wallet.Reserved -= hold.Amount
	if wallet.Reserved < 0 {
		wallet.Reserved = 0
	}
	wallet.UpdatedAt = l.now()
	l.wallets[walletID] = wallet
	delete(l.holds, txID)
	return hold.Amount, nil
}

func (l *inMemoryLedger) Settle(_ context.Context, walletID, txID string) (Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	wallet, ok := l.wallets[walletID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	hold, held := l.holds[txID]
	if !held {
		return wallet, ErrHoldNotFound
	}
	if hold.SettledAt != nil {
		return wallet, ErrAlreadySettled
	}
	if wallet.Balance < hold.Amount || wallet.Reserved < hold.Amount {
		return wallet, fmt.Errorf("settle %s: ledger out of balance for wallet %s", txID, walletID)
	}

	now := l.now()
	wallet.Balance -= hold.Amount
	wallet.Reserved -= hold.Amount
	wallet.UpdatedAt = now
	l.wallets[walletID] = wallet
	hold.SettledAt = &now
	l.holds[txID] = hold
	return wallet, nil
}

func (l *inMemoryLedger) Settled(_ context.Context, txID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hold, held := l.holds[txID]
	return held && hold.SettledAt != nil, nil
}

package ledger

// SeedBalance is a test helper that overwrites the balance for a wallet when using the in-memory ledger.
func SeedBalance(l Ledger, walletID string, balance int64) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		w := mem.wallets[walletID]
		w.ID = walletID
		w.Balance = balance
		mem.wallets[walletID] = w
	}
}

// Holds returns the number of open, unsettled reservations on an in-memory ledger.
func Holds(l Ledger) int {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.RLock()
		defer mem.mu.RUnlock()
		open := 0
		for _, h := range mem.holds {
			if h.SettledAt == nil {
				open++
			}
		}
		return open
	}
	return 0
}

// DeleteWallet removes a wallet from an in-memory ledger, simulating a wallet vanishing mid-flight.
func DeleteWallet(l Ledger, walletID string) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		delete(mem.wallets, walletID)
	}
}

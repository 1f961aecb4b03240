package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryRecord struct {
	tx  Transaction
	seq int64
}

type memoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
	seq     int64
	now     func() time.Time
}

// NewMemoryStore constructs an in-memory store for tests and local development.
func NewMemoryStore() Store {
	return &memoryStore{
		records: make(map[string]*memoryRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *memoryStore) Create(_ context.Context, tx Transaction) (Transaction, error) {
	if tx.ID == "" {
		return Transaction{}, fmt.Errorf("transaction id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[tx.ID]; exists {
		return Transaction{}, fmt.Errorf("transaction %s already exists", tx.ID)
	}
	now := s.now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	if tx.Status == "" {
		tx.Status = StatusWaitingForWorker
	}
	s.seq++
	s.records[tx.ID] = &memoryRecord{tx: clone(tx), seq: s.seq}
	return clone(tx), nil
}

func (s *memoryStore) Get(_ context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return clone(rec.tx), nil
}

func (s *memoryStore) CountActive(_ context.Context, walletID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, rec := range s.records {
		if rec.tx.WalletID == walletID && rec.tx.Status.IsActive() {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) OldestPending(_ context.Context, walletID, excludingID string) (Transaction, error) {
	return s.oldest(func(tx Transaction) bool {
		return tx.WalletID == walletID && tx.ID != excludingID && tx.Status.IsPending()
	})
}

func (s *memoryStore) OldestStashed(_ context.Context, walletID string) (Transaction, error) {
	return s.oldest(func(tx Transaction) bool {
		return tx.WalletID == walletID && tx.Stashed()
	})
}

func (s *memoryStore) SetStatus(_ context.Context, id string, status Status) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if err := applyStatus(&rec.tx, status, s.now()); err != nil {
		return clone(rec.tx), err
	}
	return clone(rec.tx), nil
}

func (s *memoryStore) StashMessage(_ context.Context, id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.tx.StashedMessage = append([]byte(nil), blob...)
	rec.tx.UpdatedAt = s.now()
	return nil
}

func (s *memoryStore) ClearStash(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.tx.StashedMessage = nil
	rec.tx.UpdatedAt = s.now()
	return nil
}

func (s *memoryStore) TakeStash(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	blob := rec.tx.StashedMessage
	if len(blob) == 0 {
		return nil, nil
	}
	rec.tx.StashedMessage = nil
	rec.tx.UpdatedAt = s.now()
	return blob, nil
}

func (s *memoryStore) CountStashed(_ context.Context, walletID string) (int, error) {
	return len(s.list(func(tx Transaction) bool { return tx.WalletID == walletID && tx.Stashed() })), nil
}

func (s *memoryStore) ListByWallet(_ context.Context, walletID string) ([]Transaction, error) {
	return s.list(func(tx Transaction) bool { return tx.WalletID == walletID }), nil
}

func (s *memoryStore) ListByStatus(_ context.Context, status Status) ([]Transaction, error) {
	return s.list(func(tx Transaction) bool { return tx.Status == status }), nil
}

func (s *memoryStore) oldest(match func(Transaction) bool) (Transaction, error) {
	matches := s.list(match)
	if len(matches) == 0 {
		return Transaction{}, ErrNotFound
	}
	return matches[0], nil
}

// list returns matching transactions in creation order.
func (s *memoryStore) list(match func(Transaction) bool) []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []*memoryRecord
	for _, rec := range s.records {
		if match(rec.tx) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].tx.CreatedAt.Equal(recs[j].tx.CreatedAt) {
			return recs[i].tx.CreatedAt.Before(recs[j].tx.CreatedAt)
		}
		return recs[i].seq < recs[j].seq
	})
	out := make([]Transaction, 0, len(recs))
	for _, rec := range recs {
		out = append(out, clone(rec.tx))
	}
	return out
}

func clone(tx Transaction) Transaction {
	if tx.StashedMessage != nil {
		tx.StashedMessage = append([]byte(nil), tx.StashedMessage...)
	}
	if tx.LastAttemptAt != nil {
		at := *tx.LastAttemptAt
		tx.LastAttemptAt = &at
	}
	return tx
}

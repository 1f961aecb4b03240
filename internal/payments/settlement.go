package payments

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Settlement represents the external processor that confirms a reserved debit.
type Settlement interface {
	Approve(ctx context.Context, req SettlementRequest) (SettlementDecision, error)
}

// SettlementRequest carries the debit being confirmed.
type SettlementRequest struct {
	TransactionID string
	WalletID      string
	Amount        int64
}

// SettlementDecision captures the simulated response from the processor.
type SettlementDecision struct {
	Reference string
	Approved  bool
}

// RandomSettlement approves a fraction of requests equal to SuccessRate.
type RandomSettlement struct {
	SuccessRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSettlement seeds a simulated processor.
func NewRandomSettlement(successRate float64) *RandomSettlement {
	return &RandomSettlement{
		SuccessRate: successRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Approve draws the decision.
func (s *RandomSettlement) Approve(_ context.Context, _ SettlementRequest) (SettlementDecision, error) {
	s.mu.Lock()
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	roll := s.rng.Float64()
	s.mu.Unlock()
	return SettlementDecision{Reference: uuid.NewString(), Approved: roll < s.SuccessRate}, nil
}

// StaticSettlement always returns the same decision. The zero value approves.
type StaticSettlement struct {
	Decline bool
}

// Approve returns the fixed decision with a synthetic reference.
func (s StaticSettlement) Approve(_ context.Context, _ SettlementRequest) (SettlementDecision, error) {
	return SettlementDecision{Reference: uuid.NewString(), Approved: !s.Decline}, nil
}

// SettlementFunc adapts a function to the Settlement interface.
type SettlementFunc func(ctx context.Context, req SettlementRequest) (SettlementDecision, error)

// Approve calls f.
func (f SettlementFunc) Approve(ctx context.Context, req SettlementRequest) (SettlementDecision, error) {
	return f(ctx, req)
}

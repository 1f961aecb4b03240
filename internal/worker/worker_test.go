package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletqueue/internal/broker"
	"github.com/congo-pay/walletqueue/internal/ledger"
	"github.com/congo-pay/walletqueue/internal/metrics"
	"github.com/congo-pay/walletqueue/internal/notification"
	"github.com/congo-pay/walletqueue/internal/payments"
	"github.com/congo-pay/walletqueue/internal/transaction"
)

func noSleep(context.Context, time.Duration) error { return nil }

type harness struct {
	ledger   ledger.Ledger
	store    transaction.Store
	broker   *broker.Memory
	svc      *payments.Service
	worker   *Worker
	metrics  *metrics.Metrics
	notifier *notification.Recorder
	deferred DeferredQueue
}

type harnessOption func(*payments.Deps, *Deps)

func withSettlement(s payments.Settlement) harnessOption {
	return func(p *payments.Deps, _ *Deps) { p.Settlement = s }
}

func withProcessingSleep(sleep func(context.Context, time.Duration) error) harnessOption {
	return func(p *payments.Deps, _ *Deps) { p.Sleep = sleep }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		ledger:   ledger.NewInMemory(),
		store:    transaction.NewMemoryStore(),
		broker:   broker.NewMemory(),
		metrics:  metrics.New(),
		notifier: &notification.Recorder{},
	}
	h.deferred = NewStoreDeferredQueue(h.store)

	pdeps := payments.Deps{
		Ledger:     h.ledger,
		Store:      h.store,
		Publisher:  h.broker,
		Settlement: payments.StaticSettlement{},
		Notifier:   h.notifier,
		Sleep:      noSleep,
	}
	wdeps := Deps{
		Gateway:  h.broker,
		Store:    h.store,
		Deferred: h.deferred,
		Metrics:  h.metrics,
		Sleep:    noSleep,
	}
	for _, opt := range opts {
		opt(&pdeps, &wdeps)
	}

	svc, err := payments.NewService(pdeps)
	require.NoError(t, err)
	h.svc = svc
	wdeps.Orchestrator = svc
	if wdeps.Admission == nil {
		wdeps.Admission = NewLocalAdmission()
	}

	w, err := New(Options{Concurrency: 4, MaxRetries: 3, ReconcileSchedule: "@every 1h"}, wdeps)
	require.NoError(t, err)
	h.worker = w
	t.Cleanup(func() { h.broker.Close() })
	return h
}

func (h *harness) wallet(t *testing.T, id string, balance int64) {
	t.Helper()
	_, err := h.ledger.Create(context.Background(), ledger.Wallet{ID: id, Name: id, Balance: balance})
	require.NoError(t, err)
}

func (h *harness) submit(t *testing.T, walletID string, amount int64) transaction.Transaction {
	t.Helper()
	tx, err := h.svc.CreateTransaction(context.Background(), walletID, amount)
	require.NoError(t, err)
	return tx
}

func (h *harness) next(t *testing.T, queue string) *broker.MemoryDelivery {
	t.Helper()
	d, ok, err := h.broker.Get(context.Background(), queue)
	require.NoError(t, err)
	require.True(t, ok, "expected a message on %s", queue)
	return d.(*broker.MemoryDelivery)
}

func (h *harness) status(t *testing.T, id string) transaction.Status {
	t.Helper()
	tx, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return tx.Status
}

func TestHandleApprovesAndAcks(t *testing.T) {
	h := newHarness(t)
	h.wallet(t, "w1", 200)
	tx := h.submit(t, "w1", 50)

	d := h.next(t, broker.QueueRequest)
	h.worker.Handle(context.Background(), d)

	assert.Equal(t, broker.OutcomeAcked, d.Outcome())
	assert.Equal(t, transaction.StatusApproved, h.status(t, tx.ID))
	w, _ := h.ledger.Get(context.Background(), "w1")
	assert.Equal(t, int64(150), w.Balance)
	assert.Equal(t, int64(0), w.Reserved)
	assert.Equal(t, 1.0, h.metrics.OutcomeCount(metrics.OutcomeApproved))
}

func TestHandleInsufficientBalanceAcksAndRetries(t *testing.T) {
	h := newHarness(t)
	h.wallet(t, "w1", 90)
	tx := h.submit(t, "w1", 100)

	d := h.next(t, broker.QueueRequest)
	h.worker.Handle(context.Background(), d)

	assert.Equal(t, broker.OutcomeAcked, d.Outcome())
	assert.Equal(t, transaction.StatusRetryingInsufficientBalance, h.status(t, tx.ID))
	assert.Equal(t, 1, h.broker.Depth(broker.QueueRetry))
	assert.Equal(t, 1.0, h.metrics.OutcomeCount(metrics.OutcomeInsufficientBalance))

	retry := h.next(t, broker.QueueRetry)
	assert.Equal(t, 0, retry.Message().RetryCount)
}

func TestRetriesExhaustedDeadLetterOnFourthDelivery(t *testing.T) {
	failing := payments.SettlementFunc(func(context.Context, payments.SettlementRequest) (payments.SettlementDecision, error) {
		return payments.SettlementDecision{}, errors.New("processor unavailable")
	})
	h := newHarness(t, withSettlement(failing))
	h.wallet(t, "w1", 200)
	tx := h.submit(t, "w1", 50)
	ctx := context.Background()

	d := h.next(t, broker.QueueRequest)
	h.worker.Handle(ctx, d)
	require.Equal(t, broker.OutcomeRequeued, d.Outcome())

	for want := 1; want <= 3; want++ {
		d = h.next(t, broker.QueueRetry)
		require.Equal(t, want, d.Message().RetryCount)
		h.worker.HandleRetry(ctx, d)
		if want < 3 {
			require.Equal(t, broker.OutcomeRequeued, d.Outcome(), "delivery with retry count %d", want)
			require.Equal(t, transaction.StatusRetrying, h.status(t, tx.ID))
		}
	}

	assert.Equal(t, broker.OutcomeDeadLettered, d.Outcome())
	assert.Equal(t, transaction.StatusSentToDeadLetterQueue, h.status(t, tx.ID))
	assert.Equal(t, 1, h.broker.Depth(broker.QueueDeadLetter))
	assert.Equal(t, 0, h.broker.Depth(broker.QueueRetry))

	w, _ := h.ledger.Get(ctx, "w1")
	assert.Equal(t, int64(200), w.Balance)
	assert.Equal(t, int64(0), w.Reserved)
	assert.Equal(t, 0, ledger.Holds(h.ledger))
	assert.Equal(t, 1, h.notifier.Count(notification.KindTransactionDeadLettered))
	assert.Equal(t, 4.0, h.metrics.OutcomeCount(metrics.OutcomeTransientFailure))
	assert.Equal(t, 1.0, h.metrics.OutcomeCount(metrics.OutcomeDeadLettered))
}

func TestSecondDeliveryIsParkedThenReplayed(t *testing.T) {
	gate := make(chan struct{})
	blocking := func(ctx context.Context, _ time.Duration) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := newHarness(t, withProcessingSleep(blocking))
	h.wallet(t, "w1", 200)
	first := h.submit(t, "w1", 50)
	second := h.submit(t, "w1", 30)
	ctx := context.Background()

	d1 := h.next(t, broker.QueueRequest)
	d2 := h.next(t, broker.QueueRequest)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.worker.Handle(ctx, d1)
	}()
	require.Eventually(t, func() bool {
		return h.status(t, first.ID) == transaction.StatusDelayedProcessing
	}, 2*time.Second, 5*time.Millisecond)

	h.worker.Handle(ctx, d2)
	assert.Equal(t, broker.OutcomeAcked, d2.Outcome(), "parked deliveries are owned by the deferred queue")
	assert.Equal(t, transaction.StatusWaitingForWorker, h.status(t, second.ID))
	n, err := h.deferred.Len(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	close(gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery did not finish")
	}

	assert.Equal(t, transaction.StatusApproved, h.status(t, first.ID))
	assert.Equal(t, transaction.StatusApproved, h.status(t, second.ID))
	w, _ := h.ledger.Get(ctx, "w1")
	assert.Equal(t, int64(120), w.Balance)
	assert.Equal(t, int64(0), w.Reserved)
	n, _ = h.deferred.Len(ctx, "w1")
	assert.Equal(t, 0, n)
	assert.Equal(t, 1.0, h.metrics.OutcomeCount(metrics.OutcomeParked))
	assert.Equal(t, 1.0, h.metrics.OutcomeCount(metrics.OutcomeReplayed))
}

func TestHandleDropsDuplicatesAndPoison(t *testing.T) {
	h := newHarness(t)
	h.wallet(t, "w1", 200)
	tx := h.submit(t, "w1", 50)
	ctx := context.Background()

	d := h.next(t, broker.QueueRequest)
	h.worker.Handle(ctx, d)
	require.Equal(t, transaction.StatusApproved, h.status(t, tx.ID))

	body, err := payments.EnvelopeFor(tx).Encode()
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(ctx, broker.RouteRequest, broker.Message{Body: body}))
	dup := h.next(t, broker.QueueRequest)
	h.worker.Handle(ctx, dup)
	assert.Equal(t, broker.OutcomeAcked, dup.Outcome())
	w, _ := h.ledger.Get(ctx, "w1")
	assert.Equal(t, int64(150), w.Balance, "a duplicate delivery must not debit twice")

	require.NoError(t, h.broker.Publish(ctx, broker.RouteRequest, broker.Message{Body: []byte("not json")}))
	poison := h.next(t, broker.QueueRequest)
	h.worker.Handle(ctx, poison)
	assert.Equal(t, broker.OutcomeDeadLettered, poison.Outcome())

	ghost, err := payments.Envelope{TransactionID: "missing", WalletID: "w1", Amount: 1}.Encode()
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(ctx, broker.RouteRequest, broker.Message{Body: ghost}))
	missing := h.next(t, broker.QueueRequest)
	h.worker.Handle(ctx, missing)
	assert.Equal(t, broker.OutcomeAcked, missing.Outcome())
}

func TestDrainStopsWhenAdmissionIsLost(t *testing.T) {
	h := newHarness(t)
	h.wallet(t, "w1", 200)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		tx := h.submit(t, "w1", 10)
		d := h.next(t, broker.QueueRequest)
		require.NoError(t, h.deferred.Park(ctx, "w1", tx.ID, d.Message()))
	}

	adm := h.worker.admission.(*LocalAdmission)
	stale, ok, err := adm.TryAcquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, stale.Release(ctx))
	current, ok, err := adm.TryAcquire(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Zero(t, h.worker.drain(ctx, stale, "w1", ""), "a lost token replays nothing")
	n, err := h.deferred.Len(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, 2, h.worker.drain(ctx, current, "w1", ""))
	require.NoError(t, current.Release(ctx))
	w, _ := h.ledger.Get(ctx, "w1")
	assert.Equal(t, int64(180), w.Balance)
}

// concurrencyRecorder wraps the orchestrator and records how many attempts run
// at once for each wallet.
type concurrencyRecorder struct {
	Orchestrator
	mu      sync.Mutex
	running map[string]int
	peak    map[string]int
}

func (r *concurrencyRecorder) ProcessTransaction(ctx context.Context, tx transaction.Transaction) error {
	r.mu.Lock()
	r.running[tx.WalletID]++
	if r.running[tx.WalletID] > r.peak[tx.WalletID] {
		r.peak[tx.WalletID] = r.running[tx.WalletID]
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running[tx.WalletID]--
		r.mu.Unlock()
	}()
	return r.Orchestrator.ProcessTransaction(ctx, tx)
}

func TestRunKeepsOneActiveAttemptPerWallet(t *testing.T) {
	short := func(ctx context.Context, _ time.Duration) error {
		return payments.Sleep(ctx, 2*time.Millisecond)
	}
	h := newHarness(t, withProcessingSleep(short))
	recorder := &concurrencyRecorder{Orchestrator: h.svc, running: map[string]int{}, peak: map[string]int{}}
	h.worker.orch = recorder

	h.wallet(t, "w1", 10_000)
	h.wallet(t, "w2", 10_000)
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, h.submit(t, "w1", 10).ID, h.submit(t, "w2", 10).ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if h.status(t, id) != transaction.StatusApproved {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, 1, recorder.peak["w1"])
	assert.Equal(t, 1, recorder.peak["w2"])

	w1, _ := h.ledger.Get(context.Background(), "w1")
	assert.Equal(t, int64(10_000-80), w1.Balance)
	assert.Equal(t, int64(0), w1.Reserved)
}

func TestBackoffIsBounded(t *testing.T) {
	h := newHarness(t)
	h.worker.opts.BackoffBase = 100 * time.Millisecond
	h.worker.opts.BackoffMax = time.Second

	for retry := 0; retry < 10; retry++ {
		d := h.worker.backoff(retry)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
	assert.LessOrEqual(t, h.worker.backoff(0), 100*time.Millisecond)
}

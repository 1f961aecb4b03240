package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletqueue/internal/broker"
	"github.com/congo-pay/walletqueue/internal/ledger"
	"github.com/congo-pay/walletqueue/internal/notification"
	"github.com/congo-pay/walletqueue/internal/transaction"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, broker.Message) error {
	return errors.New("connection reset")
}

// flakyApprovalStore fails the first write of the approved status.
type flakyApprovalStore struct {
	transaction.Store
	failed bool
}

func (s *flakyApprovalStore) SetStatus(ctx context.Context, id string, status transaction.Status) (transaction.Transaction, error) {
	if status == transaction.StatusApproved && !s.failed {
		s.failed = true
		return transaction.Transaction{}, errors.New("connection reset")
	}
	return s.Store.SetStatus(ctx, id, status)
}

type fixture struct {
	svc      *Service
	ledger   ledger.Ledger
	store    transaction.Store
	broker   *broker.Memory
	notifier *notification.Recorder
}

func newFixture(t *testing.T, settlement Settlement) fixture {
	t.Helper()
	return newFixtureWithStore(t, settlement, transaction.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, settlement Settlement, store transaction.Store) fixture {
	t.Helper()
	f := fixture{
		ledger:   ledger.NewInMemory(),
		store:    store,
		broker:   broker.NewMemory(),
		notifier: &notification.Recorder{},
	}
	svc, err := NewService(Deps{
		Ledger:     f.ledger,
		Store:      f.store,
		Publisher:  f.broker,
		Settlement: settlement,
		Notifier:   f.notifier,
		Sleep:      func(context.Context, time.Duration) error { return nil },
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f fixture) wallet(t *testing.T, id string, balance int64) {
	t.Helper()
	_, err := f.ledger.Create(context.Background(), ledger.Wallet{ID: id, Name: id, Balance: balance})
	require.NoError(t, err)
}

func (f fixture) balance(t *testing.T, id string) ledger.Wallet {
	t.Helper()
	w, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return w
}

func (f fixture) status(t *testing.T, id string) transaction.Status {
	t.Helper()
	tx, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return tx.Status
}

func TestCreateTransactionPublishesRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.wallet(t, "w1", 200)

	tx, err := f.svc.CreateTransaction(context.Background(), "w1", 50)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusWaitingForWorker, tx.Status)

	published := f.broker.Published(broker.RouteRequest)
	require.Len(t, published, 1)
	env, err := DecodeEnvelope(published[0].Body)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, env.TransactionID)
	assert.Equal(t, int64(50), env.Amount)
	assert.Zero(t, published[0].RetryCount)
}

func TestCreateTransactionUnknownWallet(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CreateTransaction(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, ErrWalletNotFound)
	assert.Empty(t, f.broker.Published(broker.RouteRequest))
}

func TestCreateTransactionRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t, nil)
	f.wallet(t, "w1", 200)

	_, err := f.svc.CreateTransaction(context.Background(), "w1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreateTransactionKeepsRecordWhenPublishFails(t *testing.T) {
	led := ledger.NewInMemory()
	store := transaction.NewMemoryStore()
	svc, err := NewService(Deps{Ledger: led, Store: store, Publisher: failingPublisher{}})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = led.Create(ctx, ledger.Wallet{ID: "w1", Balance: 100})
	require.NoError(t, err)

	tx, err := svc.CreateTransaction(ctx, "w1", 10)
	require.NoError(t, err, "publish failure must not fail creation")
	stored, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusWaitingForWorker, stored.Status)
}

func TestProcessTransactionApproves(t *testing.T) {
	f := newFixture(t, StaticSettlement{})
	f.wallet(t, "w1", 200)
	ctx := context.Background()

	tx, _ := f.svc.CreateTransaction(ctx, "w1", 50)
	require.NoError(t, f.svc.ProcessTransaction(ctx, tx))

	w := f.balance(t, "w1")
	assert.Equal(t, int64(150), w.Balance)
	assert.Zero(t, w.Reserved)
	got, _ := f.store.Get(ctx, tx.ID)
	assert.Equal(t, transaction.StatusApproved, got.Status)
	assert.NotNil(t, got.LastAttemptAt)
	assert.Equal(t, 1, f.notifier.Count(notification.KindTransactionApproved))
	assert.Zero(t, ledger.Holds(f.ledger))
}

func TestProcessTransactionDebitsOnceWhenApprovalWriteFails(t *testing.T) {
	f := newFixtureWithStore(t, StaticSettlement{}, &flakyApprovalStore{Store: transaction.NewMemoryStore()})
	f.wallet(t, "w1", 200)
	ctx := context.Background()

	tx, _ := f.svc.CreateTransaction(ctx, "w1", 50)
	err := f.svc.ProcessTransaction(ctx, tx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetryScheduled, "the worker decides the retry")
	assert.Equal(t, int64(150), f.balance(t, "w1").Balance)

	// The worker's failure path followed by the next attempt.
	failed, err := f.svc.FailAttempt(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, f.svc.ProcessTransaction(ctx, failed))

	w := f.balance(t, "w1")
	assert.Equal(t, int64(150), w.Balance, "debited exactly once")
	assert.Zero(t, w.Reserved)
	assert.Equal(t, transaction.StatusApproved, f.status(t, tx.ID))
	assert.Equal(t, 1, f.notifier.Count(notification.KindTransactionApproved))
}

func TestProcessTransactionCompletesSettledTransactionWithoutFunds(t *testing.T) {
	f := newFixtureWithStore(t, StaticSettlement{}, &flakyApprovalStore{Store: transaction.NewMemoryStore()})
	f.wallet(t, "w1", 50)
	ctx := context.Background()

	tx, _ := f.svc.CreateTransaction(ctx, "w1", 50)
	require.Error(t, f.svc.ProcessTransaction(ctx, tx))
	require.Zero(t, f.balance(t, "w1").Balance)

	failed, err := f.svc.FailAttempt(ctx, tx)
	require.NoError(t, err)
	require.NoError(t, f.svc.ProcessTransaction(ctx, failed), "a settled transaction is not re-checked for funds")
	assert.Equal(t, transaction.StatusApproved, f.status(t, tx.ID))
	assert.Empty(t, f.broker.Published(broker.RouteRetry))
}

func TestProcessTransactionInsufficientBalance(t *testing.T) {
	f := newFixture(t, StaticSettlement{})
	f.wallet(t, "w1", 90)
	ctx := context.Background()

	tx, _ := f.svc.CreateTransaction(ctx, "w1", 100)
	err := f.svc.ProcessTransaction(ctx, tx)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.ErrorIs(t, err, ErrRetryScheduled)

	w := f.balance(t, "w1")
	assert.Equal(t, int64(90), w.Balance)
	assert.Zero(t, w.Reserved)
	assert.Equal(t, transaction.StatusRetryingInsufficientBalance, f.status(t, tx.ID))
	assert.Len(t, f.broker.Published(broker.RouteRetry), 1)
}

func TestProcessTransactionDeclinedReleasesReservation(t *testing.T) {
	f := newFixture(t, StaticSettlement{Decline: true})
	f.wallet(t, "w1", 200)
	ctx := context.Background()

	tx, _ := f.svc.CreateTransaction(ctx, "w1", 50)
	assert.ErrorIs(t, f.svc.ProcessTransaction(ctx, tx), ErrSettlementDeclined)

	w := f.balance(t, "w1")
	assert.Equal(t, int64(200), w.Balance)
	assert.Zero(t, w.Reserved)
	assert.Equal(t, transaction.StatusRetrying, f.status(t, tx.ID))
	assert.Len(t, f.broker.Published(broker.RouteRetry), 1)
}

func TestProcessTransactionWalletVanished(t *testing.T) {
	f := newFixture(t, StaticSettlement{})
	f.wallet(t, "w1", 200)
	ctx := context.Background()

	tx, _ := f.svc.CreateTransaction(ctx, "w1", 50)
	ledger.DeleteWallet(f.ledger, "w1")

	assert.ErrorIs(t, f.svc.ProcessTransaction(ctx, tx), ErrWalletUnavailable)
	assert.Equal(t, transaction.StatusRetrying, f.status(t, tx.ID))
}

func TestProcessTransactionSettlementErrorIsTransient(t *testing.T) {
	failing := SettlementFunc(func(context.Context, SettlementRequest) (SettlementDecision, error) {
		return SettlementDecision{}, errors.New("processor timeout")
	})
	f := newFixture(t, failing)
	f.wallet(t, "w1", 200)
	ctx := context.Background()

	tx, _ := f.svc.CreateTransaction(ctx, "w1", 50)
	err := f.svc.ProcessTransaction(ctx, tx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetryScheduled)
	assert.Zero(t, f.balance(t, "w1").Reserved, "reservation released")
	assert.Empty(t, f.broker.Published(broker.RouteRetry), "transient failures are retried by the worker")
}

func TestFailAttemptThenDeadLetterReleasesOnce(t *testing.T) {
	f := newFixture(t, StaticSettlement{})
	f.wallet(t, "w1", 200)
	ctx := context.Background()

	tx, _ := f.svc.CreateTransaction(ctx, "w1", 50)
	_, err := f.ledger.Reserve(ctx, "w1", tx.ID, 50)
	require.NoError(t, err)

	_, err = f.svc.FailAttempt(ctx, tx)
	require.NoError(t, err)
	dead, err := f.svc.DeadLetter(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusSentToDeadLetterQueue, dead.Status)

	w := f.balance(t, "w1")
	assert.Equal(t, int64(200), w.Balance)
	assert.Zero(t, w.Reserved)
	assert.Equal(t, 1, f.notifier.Count(notification.KindTransactionDeadLettered))
}

func TestReconcileBranches(t *testing.T) {
	ctx := context.Background()

	t.Run("affordable", func(t *testing.T) {
		f := newFixture(t, StaticSettlement{})
		f.wallet(t, "w1", 200)
		tx := deadLettered(t, f, "w1", 50)

		got, err := f.svc.Reconcile(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusRetrying, got.Status)
		assert.Zero(t, f.balance(t, "w1").Reserved, "reconcile must not create a reservation")
	})

	t.Run("unaffordable", func(t *testing.T) {
		f := newFixture(t, StaticSettlement{})
		f.wallet(t, "w1", 20)
		tx := deadLettered(t, f, "w1", 50)

		got, err := f.svc.Reconcile(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusRetryingInsufficientBalance, got.Status)
	})

	t.Run("wallet missing", func(t *testing.T) {
		f := newFixture(t, StaticSettlement{})
		f.wallet(t, "w1", 200)
		tx := deadLettered(t, f, "w1", 50)
		ledger.DeleteWallet(f.ledger, "w1")

		got, err := f.svc.Reconcile(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusRetrying, got.Status)
		assert.Len(t, f.broker.Published(broker.RouteRetry), 1)
	})

	t.Run("still retrying", func(t *testing.T) {
		f := newFixture(t, StaticSettlement{})
		f.wallet(t, "w1", 10)
		tx, _ := f.svc.CreateTransaction(ctx, "w1", 50)
		require.ErrorIs(t, f.svc.ProcessTransaction(ctx, tx), ErrInsufficientBalance)
		current, err := f.store.Get(ctx, tx.ID)
		require.NoError(t, err)

		got, err := f.svc.Reconcile(ctx, current)
		require.NoError(t, err)
		assert.Equal(t, transaction.StatusRetryingInsufficientBalance, got.Status)
		assert.Len(t, f.broker.Published(broker.RouteRetry), 2)
	})
}

func deadLettered(t *testing.T, f fixture, walletID string, amount int64) transaction.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := f.svc.CreateTransaction(ctx, walletID, amount)
	require.NoError(t, err)
	_, err = f.svc.FailAttempt(ctx, tx)
	require.NoError(t, err)
	dead, err := f.svc.DeadLetter(ctx, tx)
	require.NoError(t, err)
	return dead
}

func TestDelayStaysWithinWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.delayMin = 2 * time.Second
	f.svc.delayMax = 7 * time.Second
	for i := 0; i < 100; i++ {
		d := f.svc.delay()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 7*time.Second)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/walletqueue/internal/broker"
	"github.com/congo-pay/walletqueue/internal/logging"
	"github.com/congo-pay/walletqueue/internal/metrics"
	"github.com/congo-pay/walletqueue/internal/payments"
	"github.com/congo-pay/walletqueue/internal/transaction"
)

// Orchestrator is the part of payments.Service the worker drives.
type Orchestrator interface {
	ProcessTransaction(ctx context.Context, tx transaction.Transaction) error
	FailAttempt(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error)
	RetryTransaction(ctx context.Context, tx transaction.Transaction, status transaction.Status) (transaction.Transaction, error)
	DeadLetter(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error)
	Reconcile(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error)
}

// Options tunes the worker.
type Options struct {
	Concurrency       int
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ReconcileSchedule string
	// StaleAfter is how long an attempt may stay active before reconciliation
	// treats its worker as dead. Zero disables the sweep.
	StaleAfter time.Duration
}

// Deps groups the worker's collaborators.
type Deps struct {
	Gateway      broker.Gateway
	Store        transaction.Store
	Orchestrator Orchestrator
	Admission    Admission
	Deferred     DeferredQueue
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Sleep        func(ctx context.Context, d time.Duration) error
}

// Worker consumes the request and retry queues, serializes attempts per
// wallet and decides ack, retry or dead-letter for each delivery.
type Worker struct {
	opts      Options
	gateway   broker.Gateway
	store     transaction.Store
	orch      Orchestrator
	admission Admission
	deferred  DeferredQueue
	metrics   *metrics.Metrics
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// New validates deps and fills defaults.
func New(opts Options, deps Deps) (*Worker, error) {
	if deps.Gateway == nil || deps.Store == nil || deps.Orchestrator == nil {
		return nil, fmt.Errorf("worker requires a gateway, a store and an orchestrator")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative")
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.ReconcileSchedule == "" {
		opts.ReconcileSchedule = "@every 5m"
	}
	if deps.Admission == nil {
		deps.Admission = NewLocalAdmission()
	}
	if deps.Deferred == nil {
		deps.Deferred = NewStoreDeferredQueue(deps.Store)
	}
	if deps.Sleep == nil {
		deps.Sleep = payments.Sleep
	}
	return &Worker{
		opts:      opts,
		gateway:   deps.Gateway,
		store:     deps.Store,
		orch:      deps.Orchestrator,
		admission: deps.Admission,
		deferred:  deps.Deferred,
		metrics:   deps.Metrics,
		logger:    logging.Component(deps.Logger, "worker"),
		sleep:     deps.Sleep,
	}, nil
}

// Run consumes both queues and runs the reconciliation schedule until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.gateway.Consume(ctx, broker.QueueRequest, w.opts.Concurrency, w.Handle)
	})
	g.Go(func() error {
		return w.gateway.Consume(ctx, broker.QueueRetry, w.opts.Concurrency, w.HandleRetry)
	})
	g.Go(func() error {
		return w.runReconciler(ctx)
	})
	w.logger.Info("worker started", "concurrency", w.opts.Concurrency, "max_retries", w.opts.MaxRetries)
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

// HandleRetry waits out the retry delay for the delivery's retry count, then handles it.
func (w *Worker) HandleRetry(ctx context.Context, d broker.Delivery) {
	if err := w.sleep(ctx, w.backoff(d.Message().RetryCount)); err != nil {
		w.settle("reject", d.Reject())
		return
	}
	w.Handle(ctx, d)
}

// Handle runs one delivery through admission, processing and settlement.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) {
	msg := d.Message()
	tx, ok := w.load(ctx, d, msg)
	if !ok {
		return
	}

	token, admitted, err := w.admit(ctx, tx)
	if err != nil {
		w.logger.Error("admission failed", "transaction_id", tx.ID, "wallet_id", tx.WalletID, "error", err)
		w.settle("requeue", d.Requeue(ctx, msg.RetryCount))
		return
	}
	if !admitted {
		w.park(ctx, d, tx, msg)
		w.wake(ctx, tx.WalletID)
		return
	}

	w.process(ctx, tx, msg, d)
	w.drain(ctx, token, tx.WalletID, tx.ID)
	w.release(ctx, token, tx.WalletID)
	w.wake(ctx, tx.WalletID)
}

// load decodes the delivery and fetches its transaction. It settles the
// delivery itself when there is nothing to process.
func (w *Worker) load(ctx context.Context, d broker.Delivery, msg broker.Message) (transaction.Transaction, bool) {
	env, err := payments.DecodeEnvelope(msg.Body)
	if err != nil {
		w.logger.Error("undecodable message, dead-lettering", "error", err)
		w.metrics.Outcome(metrics.OutcomeDeadLettered)
		w.settle("dead-letter", d.DeadLetter())
		return transaction.Transaction{}, false
	}

	tx, err := w.store.Get(ctx, env.TransactionID)
	switch {
	case errors.Is(err, transaction.ErrNotFound):
		w.logger.Warn("transaction not found, dropping message", "transaction_id", env.TransactionID)
		w.metrics.Outcome(metrics.OutcomeDropped)
		w.settle("ack", d.Ack())
		return tx, false
	case err != nil:
		w.logger.Error("load transaction failed", "transaction_id", env.TransactionID, "error", err)
		w.settle("requeue", d.Requeue(ctx, msg.RetryCount))
		return tx, false
	}

	switch tx.Status {
	case transaction.StatusApproved, transaction.StatusSentToDeadLetterQueue:
		w.logger.Info("duplicate delivery, skipping", "transaction_id", tx.ID, "status", tx.Status)
		w.metrics.Outcome(metrics.OutcomeDropped)
		w.settle("ack", d.Ack())
		return tx, false
	}
	return tx, true
}

// admit acquires the wallet token and confirms no other attempt is active.
// A transaction that is itself active is a redelivery and does not block itself.
func (w *Worker) admit(ctx context.Context, tx transaction.Transaction) (Token, bool, error) {
	token, ok, err := w.admission.TryAcquire(ctx, tx.WalletID)
	if err != nil || !ok {
		return nil, false, err
	}
	busy, err := w.activeElsewhere(ctx, tx)
	if err != nil || busy {
		w.release(ctx, token, tx.WalletID)
		return nil, false, err
	}
	return token, true, nil
}

func (w *Worker) activeElsewhere(ctx context.Context, tx transaction.Transaction) (bool, error) {
	active, err := w.store.CountActive(ctx, tx.WalletID)
	if err != nil {
		return false, err
	}
	if tx.Status.IsActive() {
		active--
	}
	return active > 0, nil
}

// park hands the message to the deferred queue and acks the broker delivery.
func (w *Worker) park(ctx context.Context, d broker.Delivery, tx transaction.Transaction, msg broker.Message) {
	if err := w.deferred.Park(ctx, tx.WalletID, tx.ID, msg); err != nil {
		w.logger.Error("park failed, requeueing", "transaction_id", tx.ID, "wallet_id", tx.WalletID, "error", err)
		w.settle("requeue", d.Requeue(ctx, msg.RetryCount))
		return
	}
	w.metrics.Parked()
	w.logger.Info("wallet busy, delivery parked", "transaction_id", tx.ID, "wallet_id", tx.WalletID)
	w.settle("ack", d.Ack())
}

// wake replays parked deliveries if nobody holds the wallet. Both the parker
// and the releasing holder call it, so a delivery parked while the holder was
// finishing is never stranded.
func (w *Worker) wake(ctx context.Context, walletID string) {
	for ctx.Err() == nil {
		n, err := w.deferred.Len(ctx, walletID)
		if err != nil {
			w.logger.Error("deferred length failed", "wallet_id", walletID, "error", err)
			return
		}
		if n == 0 {
			return
		}
		token, ok, err := w.admission.TryAcquire(ctx, walletID)
		if err != nil || !ok {
			return
		}
		replayed := w.drain(ctx, token, walletID, "")
		w.release(ctx, token, walletID)
		if replayed == 0 {
			return
		}
	}
}

// drain replays parked deliveries of the wallet one at a time. The caller
// holds token, which is renewed before every replay; draining stops once it
// cannot be. It returns how many deliveries were processed.
func (w *Worker) drain(ctx context.Context, token Token, walletID, lastID string) int {
	replayed := 0
	for ctx.Err() == nil {
		if err := token.Extend(ctx); err != nil {
			w.logger.Warn("admission not renewed, stop draining", "wallet_id", walletID, "error", err)
			return replayed
		}
		p, ok, err := w.nextParked(ctx, walletID, lastID)
		if err != nil {
			w.logger.Error("take parked delivery failed", "wallet_id", walletID, "error", err)
			return replayed
		}
		if !ok {
			return replayed
		}
		w.metrics.Unparked()

		pd := &parkedDelivery{w: w, walletID: walletID, txID: p.TransactionID, msg: p.Message}
		tx, ok := w.load(ctx, pd, p.Message)
		if !ok {
			continue
		}
		busy, err := w.activeElsewhere(ctx, tx)
		if err != nil || busy {
			w.settle("re-park", pd.Reject())
			return replayed
		}

		w.metrics.Outcome(metrics.OutcomeReplayed)
		w.logger.Info("replaying parked delivery", "transaction_id", tx.ID, "wallet_id", walletID)
		w.process(ctx, tx, p.Message, pd)
		lastID = tx.ID
		replayed++
	}
	return replayed
}

// nextParked prefers the oldest pending transaction of the wallet and falls
// back to the oldest parked delivery.
func (w *Worker) nextParked(ctx context.Context, walletID, lastID string) (Parked, bool, error) {
	oldest, err := w.store.OldestPending(ctx, walletID, lastID)
	switch {
	case err == nil:
		msg, ok, err := w.deferred.Take(ctx, walletID, oldest.ID)
		if err != nil {
			return Parked{}, false, err
		}
		if ok {
			return Parked{TransactionID: oldest.ID, Message: msg}, true, nil
		}
	case !errors.Is(err, transaction.ErrNotFound):
		return Parked{}, false, err
	}
	return w.deferred.Next(ctx, walletID)
}

// process runs a single attempt and settles d according to the outcome.
func (w *Worker) process(ctx context.Context, tx transaction.Transaction, msg broker.Message, d broker.Delivery) {
	log := w.logger.With("transaction_id", tx.ID, "wallet_id", tx.WalletID, "retry_count", msg.RetryCount)
	start := time.Now()
	err := w.orch.ProcessTransaction(ctx, tx)
	w.metrics.ObserveAttempt(time.Since(start))

	switch {
	case err == nil:
		w.metrics.Outcome(metrics.OutcomeApproved)
		w.settle("ack", d.Ack())
	case errors.Is(err, payments.ErrRetryScheduled):
		w.metrics.Outcome(retryOutcome(err))
		log.Info("retry scheduled", "reason", err.Error())
		w.settle("ack", d.Ack())
	case ctx.Err() != nil:
		log.Warn("attempt interrupted by shutdown", "error", err)
		w.settle("reject", d.Reject())
		return
	case errors.Is(err, transaction.ErrInvalidTransition):
		log.Warn("stale delivery, dropping", "error", err)
		w.metrics.Outcome(metrics.OutcomeDropped)
		w.settle("ack", d.Ack())
	default:
		w.fail(ctx, tx, msg, d, err)
	}

	// A copy parked earlier is obsolete once this delivery has been handled.
	if _, dup, err := w.deferred.Take(ctx, tx.WalletID, tx.ID); err == nil && dup {
		w.metrics.Unparked()
		log.Info("dropped duplicate parked delivery")
	}
}

// fail handles an attempt that ended with an unexpected error.
func (w *Worker) fail(ctx context.Context, tx transaction.Transaction, msg broker.Message, d broker.Delivery, cause error) {
	log := w.logger.With("transaction_id", tx.ID, "wallet_id", tx.WalletID, "retry_count", msg.RetryCount)
	w.metrics.Outcome(metrics.OutcomeTransientFailure)
	log.Error("processing failed", "error", cause)

	if _, err := w.orch.FailAttempt(ctx, tx); err != nil {
		log.Error("mark retrying failed", "error", err)
	}

	if msg.RetryCount < w.opts.MaxRetries {
		w.settle("requeue", d.Requeue(ctx, msg.RetryCount+1))
		return
	}

	if _, err := w.orch.DeadLetter(ctx, tx); err != nil {
		log.Error("dead-letter bookkeeping failed", "error", err)
	}
	w.metrics.Outcome(metrics.OutcomeDeadLettered)
	log.Warn("retries exhausted, dead-lettering")
	w.settle("dead-letter", d.DeadLetter())
}

func (w *Worker) release(ctx context.Context, token Token, walletID string) {
	if err := token.Release(context.WithoutCancel(ctx)); err != nil {
		w.logger.Warn("release admission failed", "wallet_id", walletID, "error", err)
	}
}

func (w *Worker) settle(op string, err error) {
	if err != nil {
		w.logger.Error("settle delivery failed", "op", op, "error", err)
	}
}

// backoff is exponential in the retry count with jitter over the upper half, capped at BackoffMax.
func (w *Worker) backoff(retryCount int) time.Duration {
	base := w.opts.BackoffBase
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retryCount && d < w.opts.BackoffMax; i++ {
		d *= 2
	}
	if d > w.opts.BackoffMax {
		d = w.opts.BackoffMax
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func retryOutcome(err error) string {
	switch {
	case errors.Is(err, payments.ErrInsufficientBalance):
		return metrics.OutcomeInsufficientBalance
	case errors.Is(err, payments.ErrSettlementDeclined):
		return metrics.OutcomeDeclined
	case errors.Is(err, payments.ErrWalletUnavailable):
		return metrics.OutcomeWalletUnavailable
	default:
		return metrics.OutcomeTransientFailure
	}
}

// parkedDelivery settles a replayed message. Its broker delivery was acked at
// park time, so retry and dead-letter are republished instead.
type parkedDelivery struct {
	w        *Worker
	walletID string
	txID     string
	msg      broker.Message
}

func (p *parkedDelivery) Message() broker.Message { return p.msg }

func (p *parkedDelivery) Ack() error { return nil }

func (p *parkedDelivery) Requeue(ctx context.Context, retryCount int) error {
	return p.w.gateway.Publish(ctx, broker.RouteRetry, broker.Message{Body: p.msg.Body, RetryCount: retryCount})
}

func (p *parkedDelivery) DeadLetter() error {
	return p.w.gateway.Publish(context.Background(), broker.RouteDeadLetter, p.msg)
}

func (p *parkedDelivery) Reject() error {
	if err := p.w.deferred.Park(context.Background(), p.walletID, p.txID, p.msg); err != nil {
		return err
	}
	p.w.metrics.Parked()
	return nil
}

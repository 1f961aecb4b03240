package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/congo-pay/walletqueue/internal/broker"
	"github.com/congo-pay/walletqueue/internal/payments"
	"github.com/congo-pay/walletqueue/internal/transaction"
)

// Reconciliation results, used as metric labels.
const (
	ReconcileRequeued = "requeued"
	ReconcileDropped  = "dropped"
	ReconcileFailed   = "failed"
	ReconcileSwept    = "swept"
)

// ReconcileReport summarizes one pass.
type ReconcileReport struct {
	Requeued int
	Dropped  int
	Failed   int
	Swept    int
}

func (w *Worker) runReconciler(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(w.opts.ReconcileSchedule, func() {
		report, err := w.ReconcileOnce(ctx)
		if err != nil {
			w.logger.Error("reconciliation pass failed", "error", err)
			return
		}
		w.logger.Info("reconciliation pass finished",
			"requeued", report.Requeued, "dropped", report.Dropped, "failed", report.Failed, "swept", report.Swept)
	})
	if err != nil {
		return fmt.Errorf("schedule reconciliation %q: %w", w.opts.ReconcileSchedule, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// ReconcileOnce drains the dead-letter queue, re-admitting every quarantined
// or still-retrying transaction through the orchestrator. Messages for
// approved, in-flight or unknown transactions are dropped. A message is acked only after its
// transaction was republished; failures go back to the dead-letter queue at
// the end of the pass. It then sweeps attempts abandoned by a dead worker.
func (w *Worker) ReconcileOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	var failed []broker.Delivery

	defer func() {
		for _, d := range failed {
			w.settle("reject", d.Reject())
		}
	}()

	for ctx.Err() == nil {
		d, ok, err := w.gateway.Get(ctx, broker.QueueDeadLetter)
		if err != nil {
			return report, fmt.Errorf("read dead-letter queue: %w", err)
		}
		if !ok {
			break
		}

		switch w.reconcileOne(ctx, d) {
		case ReconcileRequeued:
			report.Requeued++
		case ReconcileDropped:
			report.Dropped++
		case ReconcileFailed:
			report.Failed++
			failed = append(failed, d)
		}
	}

	swept, err := w.sweepAbandoned(ctx)
	report.Swept = swept
	return report, err
}

func (w *Worker) reconcileOne(ctx context.Context, d broker.Delivery) string {
	result := w.reconcileResult(ctx, d)
	w.metrics.Reconciled(result)
	return result
}

func (w *Worker) reconcileResult(ctx context.Context, d broker.Delivery) string {
	env, err := payments.DecodeEnvelope(d.Message().Body)
	if err != nil {
		w.logger.Error("reconcile: undecodable message dropped", "error", err)
		w.settle("ack", d.Ack())
		return ReconcileDropped
	}

	tx, err := w.store.Get(ctx, env.TransactionID)
	if errors.Is(err, transaction.ErrNotFound) {
		w.logger.Warn("reconcile: transaction not found", "transaction_id", env.TransactionID)
		w.settle("ack", d.Ack())
		return ReconcileDropped
	}
	if err != nil {
		w.logger.Error("reconcile: load transaction failed", "transaction_id", env.TransactionID, "error", err)
		return ReconcileFailed
	}
	switch {
	case tx.Status == transaction.StatusSentToDeadLetterQueue:
	case tx.Status.IsRetry():
		// A retry message that outlived the retry queue's TTL. It is the
		// only message still driving the transaction.
		w.logger.Info("reconcile: expired retry re-driven", "transaction_id", tx.ID, "status", tx.Status)
	default:
		w.logger.Info("reconcile: transaction no longer needs this message", "transaction_id", tx.ID, "status", tx.Status)
		w.settle("ack", d.Ack())
		return ReconcileDropped
	}

	updated, err := w.orch.Reconcile(ctx, tx)
	if err != nil {
		w.logger.Error("reconcile: republish failed", "transaction_id", tx.ID, "error", err)
		return ReconcileFailed
	}
	if err := d.Ack(); err != nil {
		w.logger.Error("reconcile: ack failed", "transaction_id", tx.ID, "error", err)
	}
	w.logger.Info("reconcile: transaction re-admitted", "transaction_id", tx.ID, "status", updated.Status)
	return ReconcileRequeued
}

// sweepAbandoned retries attempts stuck mid-flight for longer than
// StaleAfter. Those belonged to a worker that died after taking a parked
// delivery, which the broker can no longer redeliver.
func (w *Worker) sweepAbandoned(ctx context.Context) (int, error) {
	if w.opts.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-w.opts.StaleAfter)
	swept := 0
	for _, status := range []transaction.Status{transaction.StatusDelayedProcessing, transaction.StatusProcessing} {
		txs, err := w.store.ListByStatus(ctx, status)
		if err != nil {
			return swept, fmt.Errorf("list %s transactions: %w", status, err)
		}
		for _, tx := range txs {
			if tx.LastAttemptAt == nil || tx.LastAttemptAt.After(cutoff) {
				continue
			}
			failed, err := w.orch.FailAttempt(ctx, tx)
			if err != nil {
				w.logger.Error("sweep: mark retrying failed", "transaction_id", tx.ID, "error", err)
				continue
			}
			if _, err := w.orch.RetryTransaction(ctx, failed, transaction.StatusRetrying); err != nil {
				w.logger.Error("sweep: republish failed", "transaction_id", tx.ID, "error", err)
				continue
			}
			w.metrics.Reconciled(ReconcileSwept)
			w.logger.Warn("sweep: abandoned attempt re-queued", "transaction_id", tx.ID, "wallet_id", tx.WalletID)
			swept++
		}
	}
	return swept, nil
}

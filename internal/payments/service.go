package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/walletqueue/internal/broker"
	"github.com/congo-pay/walletqueue/internal/ledger"
	"github.com/congo-pay/walletqueue/internal/logging"
	"github.com/congo-pay/walletqueue/internal/notification"
	"github.com/congo-pay/walletqueue/internal/transaction"
)

var (
	// ErrWalletNotFound is returned when a transaction targets an unknown wallet.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInvalidAmount rejects zero or negative transaction amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrRetryScheduled marks an attempt that already wrote a retry status and
	// republished the transaction. The caller must not retry it again.
	ErrRetryScheduled = errors.New("retry scheduled")

	// ErrInsufficientBalance reports that the wallet could not cover the amount.
	ErrInsufficientBalance = fmt.Errorf("insufficient balance: %w", ErrRetryScheduled)

	// ErrSettlementDeclined reports that the processor refused the debit.
	ErrSettlementDeclined = fmt.Errorf("settlement declined: %w", ErrRetryScheduled)

	// ErrWalletUnavailable reports that the wallet disappeared mid-flight.
	ErrWalletUnavailable = fmt.Errorf("wallet unavailable: %w", ErrRetryScheduled)
)

// Deps groups the collaborators of the orchestrator.
type Deps struct {
	Ledger     ledger.Ledger
	Store      transaction.Store
	Publisher  broker.Publisher
	Settlement Settlement
	Notifier   notification.Notifier
	Logger     *slog.Logger

	// DelayMin and DelayMax bound the simulated settlement latency window.
	DelayMin time.Duration
	DelayMax time.Duration
	// Sleep waits for d or until ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Service owns the transaction lifecycle. It is the only component that
// changes a transaction's status and its wallet's reservation together.
type Service struct {
	ledger     ledger.Ledger
	store      transaction.Store
	publisher  broker.Publisher
	settlement Settlement
	notifier   notification.Notifier
	logger     *slog.Logger
	delayMin   time.Duration
	delayMax   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewService constructs the orchestrator.
func NewService(deps Deps) (*Service, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("transaction store is required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if deps.DelayMax < deps.DelayMin {
		return nil, fmt.Errorf("processing delay max %s is below min %s", deps.DelayMax, deps.DelayMin)
	}
	if deps.Settlement == nil {
		deps.Settlement = StaticSettlement{}
	}
	if deps.Sleep == nil {
		deps.Sleep = Sleep
	}
	return &Service{
		ledger:     deps.Ledger,
		store:      deps.Store,
		publisher:  deps.Publisher,
		settlement: deps.Settlement,
		notifier:   deps.Notifier,
		logger:     logging.Component(deps.Logger, "payments"),
		delayMin:   deps.DelayMin,
		delayMax:   deps.DelayMax,
		sleep:      deps.Sleep,
	}, nil
}

// Sleep blocks for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CreateTransaction persists a WAITING_FOR_WORKER transaction and publishes it
// to the request route. A failed publish is logged and leaves the record in place.
func (s *Service) CreateTransaction(ctx context.Context, walletID string, amount int64) (transaction.Transaction, error) {
	if amount <= 0 {
		return transaction.Transaction{}, ErrInvalidAmount
	}
	if _, err := s.ledger.Get(ctx, walletID); err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			s.logger.Warn("wallet not found", "wallet_id", walletID)
			return transaction.Transaction{}, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
		}
		return transaction.Transaction{}, err
	}

	tx, err := s.store.Create(ctx, transaction.Transaction{
		ID:       uuid.NewString(),
		WalletID: walletID,
		Amount:   amount,
		Status:   transaction.StatusWaitingForWorker,
	})
	if err != nil {
		return transaction.Transaction{}, err
	}

	if err := s.publish(ctx, broker.RouteRequest, tx); err != nil {
		s.logger.Error("publish transaction failed", "transaction_id", tx.ID, "wallet_id", walletID, "error", err)
	}
	return tx, nil
}

// ProcessTransaction runs one attempt. The caller must hold the wallet's
// admission token. Errors in the ErrRetryScheduled family mean the retry has
// already been published; any other error leaves the retry decision to the caller.
func (s *Service) ProcessTransaction(ctx context.Context, tx transaction.Transaction) error {
	log := s.logger.With("transaction_id", tx.ID, "wallet_id", tx.WalletID)

	if _, err := s.ledger.Get(ctx, tx.WalletID); err != nil {
		return s.walletLookupFailed(ctx, tx, err)
	}

	if _, err := s.store.SetStatus(ctx, tx.ID, transaction.StatusDelayedProcessing); err != nil {
		return err
	}

	delay := s.delay()
	log.Debug("awaiting settlement window", "delay", delay)
	if err := s.sleep(ctx, delay); err != nil {
		return err
	}

	if _, err := s.store.SetStatus(ctx, tx.ID, transaction.StatusProcessing); err != nil {
		return err
	}

	wallet, err := s.ledger.Get(ctx, tx.WalletID)
	if err != nil {
		return s.walletLookupFailed(ctx, tx, err)
	}

	// An earlier attempt debited the wallet but failed to record the approval.
	settled, err := s.ledger.Settled(ctx, tx.ID)
	if err != nil {
		return err
	}
	if settled {
		log.Warn("transaction already debited, completing approval")
		return s.approve(ctx, tx, wallet, "")
	}

	if wallet.Available() < tx.Amount {
		return s.insufficientBalance(ctx, tx, wallet.Available())
	}

	if err := s.reserve(ctx, tx); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return s.insufficientBalance(ctx, tx, wallet.Available())
		case errors.Is(err, ledger.ErrAlreadySettled):
			return s.approve(ctx, tx, wallet, "")
		}
		return err
	}

	decision, err := s.settlement.Approve(ctx, SettlementRequest{
		TransactionID: tx.ID,
		WalletID:      tx.WalletID,
		Amount:        tx.Amount,
	})
	if err != nil {
		if _, relErr := s.ledger.Release(ctx, tx.WalletID, tx.ID); relErr != nil {
			log.Error("release after settlement error failed", "error", relErr)
		}
		return fmt.Errorf("settlement: %w", err)
	}

	if !decision.Approved {
		if _, err := s.ledger.Release(ctx, tx.WalletID, tx.ID); err != nil {
			return err
		}
		log.Info("settlement declined, scheduling retry", "reference", decision.Reference)
		if _, err := s.RetryTransaction(ctx, tx, transaction.StatusRetrying); err != nil {
			return err
		}
		return fmt.Errorf("%w: transaction %s", ErrSettlementDeclined, tx.ID)
	}

	wallet, err = s.ledger.Settle(ctx, tx.WalletID, tx.ID)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	return s.approve(ctx, tx, wallet, decision.Reference)
}

// approve records the approval of a settled transaction. A failure here leaves
// the debit in place; the next attempt sees the settled hold and only retries
// this step.
func (s *Service) approve(ctx context.Context, tx transaction.Transaction, wallet ledger.Wallet, reference string) error {
	if _, err := s.store.SetStatus(ctx, tx.ID, transaction.StatusApproved); err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	s.logger.Info("transaction approved", "transaction_id", tx.ID, "wallet_id", tx.WalletID,
		"reference", reference, "balance", wallet.Balance, "reserved", wallet.Reserved)

	s.notify(ctx, notification.Message{
		Kind:          notification.KindTransactionApproved,
		Destination:   tx.WalletID,
		TransactionID: tx.ID,
		Body:          fmt.Sprintf("Debited %d from wallet %s", tx.Amount, tx.WalletID),
	})
	return nil
}

// RetryTransaction writes a retry status and republishes the transaction to
// the retry route with a fresh retry count.
func (s *Service) RetryTransaction(ctx context.Context, tx transaction.Transaction, status transaction.Status) (transaction.Transaction, error) {
	if !status.IsRetry() {
		return tx, fmt.Errorf("%s is not a retry status", status)
	}
	updated, err := s.store.SetStatus(ctx, tx.ID, status)
	if err != nil {
		return tx, err
	}
	if err := s.publish(ctx, broker.RouteRetry, updated); err != nil {
		s.logger.Error("publish retry failed", "transaction_id", tx.ID, "status", status, "error", err)
		return updated, fmt.Errorf("publish retry: %w", err)
	}
	return updated, nil
}

// FailAttempt records a failed attempt: the transaction moves to RETRYING and
// any reservation it holds is released. Nothing is published.
func (s *Service) FailAttempt(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error) {
	updated, err := s.store.SetStatus(ctx, tx.ID, transaction.StatusRetrying)
	if err != nil {
		return tx, err
	}
	if _, err := s.ledger.Release(ctx, tx.WalletID, tx.ID); err != nil && !errors.Is(err, ledger.ErrWalletNotFound) {
		return updated, fmt.Errorf("release reservation: %w", err)
	}
	return updated, nil
}

// DeadLetter quarantines a transaction whose retries are exhausted and frees
// whatever reservation it still holds.
func (s *Service) DeadLetter(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error) {
	updated, err := s.store.SetStatus(ctx, tx.ID, transaction.StatusSentToDeadLetterQueue)
	if err != nil {
		return tx, err
	}
	released, err := s.ledger.Release(ctx, tx.WalletID, tx.ID)
	if err != nil && !errors.Is(err, ledger.ErrWalletNotFound) {
		return updated, fmt.Errorf("release reservation: %w", err)
	}
	s.logger.Warn("transaction dead-lettered", "transaction_id", tx.ID, "wallet_id", tx.WalletID, "released", released)

	s.notify(ctx, notification.Message{
		Kind:          notification.KindTransactionDeadLettered,
		Destination:   tx.WalletID,
		TransactionID: tx.ID,
		Body:          fmt.Sprintf("Transaction %s of %d could not be processed", tx.ID, tx.Amount),
	})
	return updated, nil
}

// Reconcile re-admits one dead-lettered transaction. An unaffordable
// transaction is requeued as RETRYING_INSUFFICIENT_BALANCE without touching
// the ledger. No reservation is ever created here.
func (s *Service) Reconcile(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, error) {
	wallet, err := s.ledger.Get(ctx, tx.WalletID)
	if err != nil {
		if !errors.Is(err, ledger.ErrWalletNotFound) {
			return tx, err
		}
		s.logger.Warn("reconcile: wallet not found", "transaction_id", tx.ID, "wallet_id", tx.WalletID)
		return s.RetryTransaction(ctx, tx, transaction.StatusRetrying)
	}

	if wallet.Available() < tx.Amount {
		s.logger.Info("reconcile: still unaffordable", "transaction_id", tx.ID, "available", wallet.Available(), "amount", tx.Amount)
		return s.RetryTransaction(ctx, tx, transaction.StatusRetryingInsufficientBalance)
	}

	if released, err := s.ledger.Release(ctx, tx.WalletID, tx.ID); err != nil {
		return tx, fmt.Errorf("release stale reservation: %w", err)
	} else if released > 0 {
		s.logger.Warn("reconcile: released stale reservation", "transaction_id", tx.ID, "released", released)
	}
	return s.RetryTransaction(ctx, tx, transaction.StatusRetrying)
}

// GetTransaction returns a transaction by id.
func (s *Service) GetTransaction(ctx context.Context, id string) (transaction.Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetStatus returns only the status of a transaction.
func (s *Service) GetStatus(ctx context.Context, id string) (transaction.Status, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return tx.Status, nil
}

// ListWalletTransactions returns every transaction of a wallet, oldest first.
func (s *Service) ListWalletTransactions(ctx context.Context, walletID string) ([]transaction.Transaction, error) {
	if _, err := s.ledger.Get(ctx, walletID); err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
		}
		return nil, err
	}
	return s.store.ListByWallet(ctx, walletID)
}

// ListDeadLettered returns the transactions currently quarantined.
func (s *Service) ListDeadLettered(ctx context.Context) ([]transaction.Transaction, error) {
	return s.store.ListByStatus(ctx, transaction.StatusSentToDeadLetterQueue)
}

func (s *Service) walletLookupFailed(ctx context.Context, tx transaction.Transaction, err error) error {
	if !errors.Is(err, ledger.ErrWalletNotFound) {
		return err
	}
	s.logger.Warn("wallet not found, scheduling retry", "transaction_id", tx.ID, "wallet_id", tx.WalletID)
	if _, err := s.RetryTransaction(ctx, tx, transaction.StatusRetrying); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrWalletUnavailable, tx.WalletID)
}

func (s *Service) insufficientBalance(ctx context.Context, tx transaction.Transaction, available int64) error {
	s.logger.Info("insufficient balance, scheduling retry",
		"transaction_id", tx.ID, "wallet_id", tx.WalletID, "amount", tx.Amount, "available", available)
	if _, err := s.RetryTransaction(ctx, tx, transaction.StatusRetryingInsufficientBalance); err != nil {
		return err
	}
	return fmt.Errorf("%w: wallet %s has %d, needs %d", ErrInsufficientBalance, tx.WalletID, available, tx.Amount)
}

// reserve places the hold for tx. A hold left by an attempt that died before
// settling is released first.
func (s *Service) reserve(ctx context.Context, tx transaction.Transaction) error {
	_, err := s.ledger.Reserve(ctx, tx.WalletID, tx.ID, tx.Amount)
	if !errors.Is(err, ledger.ErrHoldExists) {
		return err
	}
	if _, err := s.ledger.Release(ctx, tx.WalletID, tx.ID); err != nil {
		return err
	}
	_, err = s.ledger.Reserve(ctx, tx.WalletID, tx.ID, tx.Amount)
	return err
}

func (s *Service) publish(ctx context.Context, routingKey string, tx transaction.Transaction) error {
	body, err := EnvelopeFor(tx).Encode()
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, routingKey, broker.Message{Body: body})
}

func (s *Service) delay() time.Duration {
	spread := s.delayMax - s.delayMin
	if spread <= 0 {
		return s.delayMin
	}
	return s.delayMin + time.Duration(rand.Int63n(int64(spread)+1))
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", "kind", msg.Kind, "transaction_id", msg.TransactionID, "error", err)
	}
}

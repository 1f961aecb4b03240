package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const columns = `id, wallet_id, amount, status, created_at, updated_at, last_attempt_at, stashed_message`

// PostgresStore stores transactions in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore builds a store backed by PostgreSQL.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a transaction record.
func (s *PostgresStore) Create(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.Status == "" {
		tx.Status = StatusWaitingForWorker
	}
	row := s.db.QueryRow(ctx, `INSERT INTO transactions (id, wallet_id, amount, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, now(), now())
        RETURNING `+columns, tx.ID, tx.WalletID, tx.Amount, string(tx.Status))
	return scanTransaction(row)
}

// Get fetches a transaction by identifier.
func (s *PostgresStore) Get(ctx context.Context, id string) (Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, `SELECT `+columns+` FROM transactions WHERE id = $1`, id))
}

// CountActive counts the wallet's transactions inside an attempt.
func (s *PostgresStore) CountActive(ctx context.Context, walletID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM transactions WHERE wallet_id = $1 AND status = ANY($2)`,
		walletID, []string{string(StatusDelayedProcessing), string(StatusProcessing)}).Scan(&count)
	return count, err
}

// OldestPending returns the earliest-created pending transaction of the wallet other than excludingID.
func (s *PostgresStore) OldestPending(ctx context.Context, walletID, excludingID string) (Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, `SELECT `+columns+` FROM transactions
        WHERE wallet_id = $1 AND id <> $2 AND status = ANY($3)
        ORDER BY created_at, id LIMIT 1`, walletID, excludingID,
		[]string{string(StatusWaitingForWorker), string(StatusDelayedProcessing), string(StatusProcessing)}))
}

// OldestStashed returns the earliest-created transaction of the wallet with a parked delivery.
func (s *PostgresStore) OldestStashed(ctx context.Context, walletID string) (Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, `SELECT `+columns+` FROM transactions
        WHERE wallet_id = $1 AND stashed_message IS NOT NULL
        ORDER BY created_at, id LIMIT 1`, walletID))
}

// SetStatus validates the move against the transition table under a row lock.
func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status) (Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+columns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Transaction{}, err
	}
	if !CanTransition(current.Status, status) {
		return current, transitionError(id, current.Status, status)
	}

	updated, err := scanTransaction(tx.QueryRow(ctx, `UPDATE transactions SET status = $2, updated_at = now(),
        last_attempt_at = CASE WHEN $2 = 'delayed_processing' THEN now() ELSE last_attempt_at END
        WHERE id = $1 RETURNING `+columns, id, string(status)))
	if err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, err
	}
	return updated, nil
}

// StashMessage parks a serialized delivery on the record.
func (s *PostgresStore) StashMessage(ctx context.Context, id string, blob []byte) error {
	return s.exec(ctx, `UPDATE transactions SET stashed_message = $2, updated_at = now() WHERE id = $1`, id, blob)
}

// ClearStash drops the parked delivery.
func (s *PostgresStore) ClearStash(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE transactions SET stashed_message = NULL, updated_at = now() WHERE id = $1`, id)
}

// TakeStash clears the parked delivery and returns what was parked.
func (s *PostgresStore) TakeStash(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(ctx, `UPDATE transactions t SET stashed_message = NULL, updated_at = now()
        FROM (SELECT id, stashed_message FROM transactions WHERE id = $1 FOR UPDATE) old
        WHERE t.id = old.id
        RETURNING old.stashed_message`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, nil
	}
	return blob, nil
}

// CountStashed counts the wallet's parked deliveries.
func (s *PostgresStore) CountStashed(ctx context.Context, walletID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM transactions WHERE wallet_id = $1 AND stashed_message IS NOT NULL`,
		walletID).Scan(&count)
	return count, err
}

// ListByWallet returns the wallet's transactions in creation order.
func (s *PostgresStore) ListByWallet(ctx context.Context, walletID string) ([]Transaction, error) {
	return s.list(ctx, `SELECT `+columns+` FROM transactions WHERE wallet_id = $1 ORDER BY created_at, id`, walletID)
}

// ListByStatus returns transactions currently in status.
func (s *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]Transaction, error) {
	return s.list(ctx, `SELECT `+columns+` FROM transactions WHERE status = $1 ORDER BY created_at, id`, string(status))
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	var status string
	var createdAt, updatedAt time.Time
	var lastAttempt *time.Time
	if err := row.Scan(&t.ID, &t.WalletID, &t.Amount, &status, &createdAt, &updatedAt, &lastAttempt, &t.StashedMessage); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	t.Status = Status(status)
	t.CreatedAt = createdAt.UTC()
	t.UpdatedAt = updatedAt.UTC()
	if lastAttempt != nil {
		at := lastAttempt.UTC()
		t.LastAttemptAt = &at
	}
	return t, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const walletColumns = `id, name, balance, reserved, created_at, updated_at`

// PostgresLedger persists wallets and reservation holds in PostgreSQL. Every
// mutation locks the wallet row so reserved bookkeeping stays paired.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Create inserts a wallet with no reservations.
func (l *PostgresLedger) Create(ctx context.Context, wallet Wallet) (Wallet, error) {
	if wallet.Balance < 0 {
		return Wallet{}, ErrInvalidAmount
	}
	row := l.db.QueryRow(ctx, `INSERT INTO wallets (id, name, balance, reserved, created_at, updated_at)
        VALUES ($1, $2, $3, 0, now(), now())
        RETURNING `+walletColumns, wallet.ID, wallet.Name, wallet.Balance)
	created, err := scanWallet(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Wallet{}, fmt.Errorf("%w: %s", ErrWalletExists, wallet.ID)
		}
		return Wallet{}, err
	}
	return created, nil
}

// Get returns the wallet snapshot.
func (l *PostgresLedger) Get(ctx context.Context, walletID string) (Wallet, error) {
	row := l.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID)
	return scanWallet(row)
}

// List returns all wallets ordered by creation.
func (l *PostgresLedger) List(ctx context.Context) ([]Wallet, error) {
	rows, err := l.db.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Reserve earmarks amount for the transaction, re-checking the spendable
// amount under the row lock.
func (l *PostgresLedger) Reserve(ctx context.Context, walletID, txID string, amount int64) (Wallet, error) {
	if amount <= 0 {
		return Wallet{}, ErrInvalidAmount
	}

	var out Wallet
	err := l.inTx(ctx, func(tx pgx.Tx) error {
		wallet, err := lockWallet(ctx, tx, walletID)
		if err != nil {
			return err
		}
		out = wallet

		var settled bool
		err = tx.QueryRow(ctx, `SELECT settled_at IS NOT NULL FROM wallet_holds WHERE transaction_id = $1`, txID).Scan(&settled)
		switch {
		case err == nil && settled:
			return ErrAlreadySettled
		case err == nil:
			return ErrHoldExists
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}
		if wallet.Available() < amount {
			return ErrInsufficientFunds
		}

		if _, err := tx.Exec(ctx, `INSERT INTO wallet_holds (transaction_id, wallet_id, amount, created_at)
            VALUES ($1, $2, $3, now())`, txID, walletID, amount); err != nil {
			return err
		}
		out, err = scanWallet(tx.QueryRow(ctx, `UPDATE wallets SET reserved = reserved + $2, updated_at = now()
            WHERE id = $1 RETURNING `+walletColumns, walletID, amount))
		return err
	})
	return out, err
}

// Release frees the transaction's unsettled hold, if any, and returns the released amount.
func (l *PostgresLedger) Release(ctx context.Context, walletID, txID string) (int64, error) {
	var released int64
	err := l.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockWallet(ctx, tx, walletID); err != nil {
			return err
		}

		err := tx.QueryRow(ctx, `DELETE FROM wallet_holds WHERE transaction_id = $1 AND wallet_id = $2
            AND settled_at IS NULL RETURNING amount`, txID, walletID).Scan(&released)
		if errors.Is(err, pgx.ErrNoRows) {
			released = 0
			return nil
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE wallets SET reserved = GREATEST(reserved - $2, 0), updated_at = now()
            WHERE id = $1`, walletID, released)
		return err
	})
	return released, err
}

// Settle debits exactly the held amount from both balance and reserved and
// marks the hold settled.
func (l *PostgresLedger) Settle(ctx context.Context, walletID, txID string) (Wallet, error) {
	var out Wallet
	err := l.inTx(ctx, func(tx pgx.Tx) error {
		wallet, err := lockWallet(ctx, tx, walletID)
		if err != nil {
			return err
		}
		out = wallet

		var amount int64
		var settledAt *time.Time
		err = tx.QueryRow(ctx, `SELECT amount, settled_at FROM wallet_holds
            WHERE transaction_id = $1 AND wallet_id = $2`, txID, walletID).Scan(&amount, &settledAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrHoldNotFound
		}
		if err != nil {
			return err
		}
		if settledAt != nil {
			return ErrAlreadySettled
		}
		if wallet.Balance < amount || wallet.Reserved < amount {
			return fmt.Errorf("settle %s: ledger out of balance for wallet %s", txID, walletID)
		}

		if _, err := tx.Exec(ctx, `UPDATE wallet_holds SET settled_at = now() WHERE transaction_id = $1`, txID); err != nil {
			return err
		}
		out, err = scanWallet(tx.QueryRow(ctx, `UPDATE wallets SET balance = balance - $2, reserved = reserved - $2,
            updated_at = now() WHERE id = $1 RETURNING `+walletColumns, walletID, amount))
		return err
	})
	return out, err
}

// Settled reports whether the transaction's hold has been debited.
func (l *PostgresLedger) Settled(ctx context.Context, txID string) (bool, error) {
	var settled bool
	err := l.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallet_holds
        WHERE transaction_id = $1 AND settled_at IS NOT NULL)`, txID).Scan(&settled)
	return settled, err
}

func (l *PostgresLedger) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockWallet(ctx context.Context, tx pgx.Tx, walletID string) (Wallet, error) {
	return scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID))
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	var createdAt, updatedAt time.Time
	if err := row.Scan(&w.ID, &w.Name, &w.Balance, &w.Reserved, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	w.CreatedAt = createdAt.UTC()
	w.UpdatedAt = updatedAt.UTC()
	return w, nil
}

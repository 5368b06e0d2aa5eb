// Package ledger is the Postgres-backed value-transfer substrate: a table of
// custody accounts whose balances move atomically inside the caller's
// transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNoAccount signals the source account does not exist.
	ErrNoAccount = errors.New("ledger: account not found")
	// ErrInsufficientFunds signals the source balance does not cover the
	// transfer.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrBadAmount signals a zero or negative transfer amount.
	ErrBadAmount = errors.New("ledger: amount must be positive")
)

// DB is the query surface shared by pgxpool.Pool and pgx.Tx.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Ledger implements escrow.Substrate against the accounts table.
type Ledger struct{}

func New() *Ledger {
	return &Ledger{}
}

// Transfer debits from and credits to within the caller's transaction. The
// destination account is created on first credit; the source must exist and
// cover the amount or nothing moves.
func (l *Ledger) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error {
	if amount <= 0 {
		return ErrBadAmount
	}
	if from == "" || to == "" || from == to {
		return fmt.Errorf("ledger: invalid transfer endpoints %q -> %q", from, to)
	}

	const debitSQL = `UPDATE accounts SET balance = balance - $2 WHERE id = $1 AND balance >= $2`
	tag, err := tx.Exec(ctx, debitSQL, from, amount)
	if err != nil {
		return fmt.Errorf("ledger: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, from).Scan(&exists); err != nil {
			return fmt.Errorf("ledger: check account %s: %w", from, err)
		}
		if !exists {
			return ErrNoAccount
		}
		return ErrInsufficientFunds
	}

	const creditSQL = `
INSERT INTO accounts (id, balance) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance
`
	if _, err := tx.Exec(ctx, creditSQL, to, amount); err != nil {
		return fmt.Errorf("ledger: credit %s: %w", to, err)
	}
	return nil
}

// Balance reports an account's balance inside the caller's transaction.
// A never-credited account reads as zero.
func (l *Ledger) Balance(ctx context.Context, tx pgx.Tx, account string) (int64, error) {
	return balance(ctx, tx, account)
}

// Lookup reports an account's balance outside any transaction.
func (l *Ledger) Lookup(ctx context.Context, db DB, account string) (int64, error) {
	return balance(ctx, db, account)
}

// OpenAccount ensures an account row exists with at least the given opening
// balance credited once. Used when onboarding parties and seeding tests.
func (l *Ledger) OpenAccount(ctx context.Context, db DB, account string, opening int64) error {
	if opening < 0 {
		return ErrBadAmount
	}
	const insertSQL = `INSERT INTO accounts (id, balance) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	if _, err := db.Exec(ctx, insertSQL, account, opening); err != nil {
		return fmt.Errorf("ledger: open account %s: %w", account, err)
	}
	return nil
}

func balance(ctx context.Context, db DB, account string) (int64, error) {
	var b int64
	err := db.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, account).Scan(&b)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: balance %s: %w", account, err)
	}
	return b, nil
}

// Package ledger holds per-user credit balances. Balances change only
// through Debit and Credit; a debit is a single conditional UPDATE so
// concurrent debits on one user serialise on the row and can never take
// the balance below zero.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oktsec/toolgate/internal/store"
)

var (
	// ErrInsufficientFunds is the normal outcome of a debit larger than the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount rejects negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

// EntryType is the business reason of a balance mutation.
type EntryType string

const (
	EntryCharge EntryType = "charge"
	EntryGrant  EntryType = "grant"
	EntryDeduct EntryType = "deduct"
	EntryRefund EntryType = "refund"
)

// Entry is one row of the balance history.
type Entry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Type         EntryType `json:"entry_type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ledger implements balance reads and atomic mutations. Callers pass the
// Querier so a debit can share a transaction with the attempt record.
type Ledger struct {
	now func() time.Time
}

// New creates a Ledger using the wall clock.
func New() *Ledger {
	return &Ledger{now: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Balance returns the user's balance. Unknown users have an implicit zero.
func (l *Ledger) Balance(ctx context.Context, q store.Querier, userID string) (int64, error) {
	var bal int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM ledger_balances WHERE user_id = ?`, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	return bal, nil
}

// Debit subtracts amount only if the balance covers it and returns the new
// balance. A short balance returns ErrInsufficientFunds and changes nothing.
func (l *Ledger) Debit(ctx context.Context, q store.Querier, userID string, amount int64, typ EntryType, ref string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	now := l.now()
	if err := l.ensure(ctx, q, userID, now); err != nil {
		return 0, err
	}

	var bal int64
	err := q.QueryRowContext(ctx,
		`UPDATE ledger_balances SET balance = balance - ?, updated_at = ? WHERE user_id = ? AND balance >= ? RETURNING balance`,
		amount, store.Millis(now), userID, amount,
	).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("debiting balance: %w", err)
	}

	if err := l.appendEntry(ctx, q, userID, typ, -amount, bal, ref, now); err != nil {
		return 0, err
	}
	return bal, nil
}

// Credit adds amount and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, q store.Querier, userID string, amount int64, typ EntryType, ref string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	now := l.now()
	if err := l.ensure(ctx, q, userID, now); err != nil {
		return 0, err
	}

	var bal int64
	err := q.QueryRowContext(ctx,
		`UPDATE ledger_balances SET balance = balance + ?, updated_at = ? WHERE user_id = ? RETURNING balance`,
		amount, store.Millis(now), userID,
	).Scan(&bal)
	if err != nil {
		return 0, fmt.Errorf("crediting balance: %w", err)
	}

	if err := l.appendEntry(ctx, q, userID, typ, amount, bal, ref, now); err != nil {
		return 0, err
	}
	return bal, nil
}

// HasEntry reports whether an entry of the given type already references ref.
func (l *Ledger) HasEntry(ctx context.Context, q store.Querier, typ EntryType, ref string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE reference = ? AND entry_type = ?`, ref, string(typ),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking ledger entry: %w", err)
	}
	return n > 0, nil
}

// Entries returns the user's most recent history rows, newest first.
func (l *Ledger) Entries(ctx context.Context, q store.Querier, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, user_id, entry_type, amount, balance_after, reference, created_at
		 FROM ledger_entries WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ledger entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var typ string
		var created int64
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &e.Amount, &e.BalanceAfter, &e.Reference, &created); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		e.Type = EntryType(typ)
		e.CreatedAt = store.FromMillis(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *Ledger) ensure(ctx context.Context, q store.Querier, userID string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO ledger_balances (user_id, balance, updated_at) VALUES (?, 0, ?) ON CONFLICT (user_id) DO NOTHING`,
		userID, store.Millis(now))
	if err != nil {
		return fmt.Errorf("creating ledger row: %w", err)
	}
	return nil
}

func (l *Ledger) appendEntry(ctx context.Context, q store.Querier, userID string, typ EntryType, amount, balanceAfter int64, ref string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, user_id, entry_type, amount, balance_after, reference, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), userID, string(typ), amount, balanceAfter, ref, store.Millis(now))
	if err != nil {
		return fmt.Errorf("writing ledger entry: %w", err)
	}
	return nil
}

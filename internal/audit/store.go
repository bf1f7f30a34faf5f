// Package audit is the append-only admin decision log. Entries are written
// in the same transaction as the mutation they describe.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oktsec/toolgate/internal/store"
)

// Log appends and queries audit entries.
type Log struct {
	now func() time.Time
}

// NewLog creates a Log using the wall clock.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Append writes one entry and returns it with its id and timestamp.
// detail is marshalled to JSON; nil leaves it empty.
func (l *Log) Append(ctx context.Context, q store.Querier, e Entry, detail any) (Entry, error) {
	if e.Action == "" || e.DecidedBy == "" {
		return Entry{}, fmt.Errorf("audit entry needs action and actor")
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return Entry{}, fmt.Errorf("encoding audit detail: %w", err)
		}
		e.Detail = raw
	}
	e.ID = uuid.NewString()
	e.DecidedAt = l.now().UTC().Truncate(time.Millisecond)

	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_entries (id, module, action, target, decision, decided_by, decided_at, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Module, e.Action, e.Target, e.Decision, e.DecidedBy, store.Millis(e.DecidedAt), string(e.Detail))
	if err != nil {
		return Entry{}, fmt.Errorf("writing audit entry: %w", err)
	}
	return e, nil
}

// Query returns audit entries matching the given filters, newest first.
func (l *Log) Query(ctx context.Context, q store.Querier, opts QueryOpts) ([]Entry, error) {
	query := "SELECT id, module, action, target, decision, decided_by, decided_at, detail FROM audit_entries WHERE 1=1"
	var args []any

	if opts.Module != "" {
		query += " AND module = ?"
		args = append(args, opts.Module)
	}
	if opts.Action != "" {
		query += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Target != "" {
		query += " AND target = ?"
		args = append(args, opts.Target)
	}
	if opts.DecidedBy != "" {
		query += " AND decided_by = ?"
		args = append(args, opts.DecidedBy)
	}
	if !opts.Since.IsZero() {
		query += " AND decided_at >= ?"
		args = append(args, store.Millis(opts.Since))
	}

	query += " ORDER BY decided_at DESC, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var decided int64
		var detail string
		if err := rows.Scan(&e.ID, &e.Module, &e.Action, &e.Target, &e.Decision, &e.DecidedBy, &decided, &detail); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		e.DecidedAt = store.FromMillis(decided)
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of entries with the given filters. Limit is ignored.
func (l *Log) Count(ctx context.Context, q store.Querier, opts QueryOpts) (int, error) {
	query := "SELECT COUNT(*) FROM audit_entries WHERE 1=1"
	var args []any
	if opts.Module != "" {
		query += " AND module = ?"
		args = append(args, opts.Module)
	}
	if opts.Action != "" {
		query += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Target != "" {
		query += " AND target = ?"
		args = append(args, opts.Target)
	}
	if opts.DecidedBy != "" {
		query += " AND decided_by = ?"
		args = append(args, opts.DecidedBy)
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting audit entries: %w", err)
	}
	return n, nil
}

// ActionCounts groups entries since the given time by action.
func (l *Log) ActionCounts(ctx context.Context, q store.Querier, since time.Time) ([]ActionCount, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT action, COUNT(*) AS n FROM audit_entries WHERE decided_at >= ? GROUP BY action ORDER BY n DESC, action`,
		store.Millis(since))
	if err != nil {
		return nil, fmt.Errorf("querying action counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ActionCount
	for rows.Next() {
		var c ActionCount
		if err := rows.Scan(&c.Action, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

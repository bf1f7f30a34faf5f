// Package attempts is the append-only record of every tool invocation
// attempt. It is the source of truth for abuse statistics and dashboards.
package attempts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oktsec/toolgate/internal/store"
)

// ErrNotFound is returned for unknown attempt ids.
var ErrNotFound = errors.New("attempt not found")

// ReasonSystemError marks an attempt that failed to persist. Such records
// are denied but never count as user denials.
const ReasonSystemError = "system_error"

// Record is one attempt, allowed or denied.
type Record struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	ToolName         string    `json:"tool_name"`
	Module           string    `json:"module"`
	AttemptedAt      time.Time `json:"attempted_at"`
	WasAllowed       bool      `json:"was_allowed"`
	Reason           string    `json:"reason"`
	CreditsRequired  int64     `json:"credits_required"`
	UserCreditsAfter int64     `json:"user_credits_after"`
}

// QueryOpts holds filters for attempt queries.
type QueryOpts struct {
	UserID   string
	ToolName string
	Module   string
	Reason   string
	Allowed  *bool
	Since    time.Time
	Limit    int
}

// ToolSummary aggregates attempts per tool.
type ToolSummary struct {
	ToolName     string `json:"tool_name"`
	Total        int64  `json:"total"`
	Allowed      int64  `json:"allowed"`
	Denied       int64  `json:"denied"`
	CreditsSpent int64  `json:"credits_spent"`
}

// Recorder appends and reads attempt records.
type Recorder struct {
	now func() time.Time
}

// NewRecorder creates a Recorder using the wall clock.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// WithClock overrides the clock for testing.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Append writes rec. A missing ID or timestamp is filled in.
func (r *Recorder) Append(ctx context.Context, q store.Querier, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.AttemptedAt.IsZero() {
		rec.AttemptedAt = r.now().UTC().Truncate(time.Millisecond)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO tool_attempts (id, user_id, tool_name, module, attempted_at, was_allowed, reason, credits_required, user_credits_after)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.ToolName, rec.Module, store.Millis(rec.AttemptedAt), store.Bool(rec.WasAllowed),
		rec.Reason, rec.CreditsRequired, rec.UserCreditsAfter)
	if err != nil {
		return Record{}, fmt.Errorf("appending attempt: %w", err)
	}
	return rec, nil
}

const recordColumns = `id, user_id, tool_name, module, attempted_at, was_allowed, reason, credits_required, user_credits_after`

// Get returns one attempt.
func (r *Recorder) Get(ctx context.Context, q store.Querier, id string) (Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM tool_attempts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Query returns attempts matching opts, newest first.
func (r *Recorder) Query(ctx context.Context, q store.Querier, opts QueryOpts) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM tool_attempts WHERE 1=1`
	var args []any
	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, opts.ToolName)
	}
	if opts.Module != "" {
		query += " AND module = ?"
		args = append(args, opts.Module)
	}
	if opts.Reason != "" {
		query += " AND reason = ?"
		args = append(args, opts.Reason)
	}
	if opts.Allowed != nil {
		query += " AND was_allowed = ?"
		args = append(args, store.Bool(*opts.Allowed))
	}
	if !opts.Since.IsZero() {
		query += " AND attempted_at >= ?"
		args = append(args, store.Millis(opts.Since))
	}
	query += " ORDER BY attempted_at DESC, id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Counts returns the total and denied attempts for the pair at or after
// since. System errors are excluded from both.
func (r *Recorder) Counts(ctx context.Context, q store.Querier, userID, tool string, since time.Time) (total, denied int64, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*), CAST(COALESCE(SUM(CASE WHEN was_allowed = 0 THEN 1 ELSE 0 END), 0) AS BIGINT)
		 FROM tool_attempts WHERE user_id = ? AND tool_name = ? AND attempted_at >= ? AND reason <> ?`,
		userID, tool, store.Millis(since), ReasonSystemError).Scan(&total, &denied)
	if err != nil {
		return 0, 0, fmt.Errorf("counting attempts: %w", err)
	}
	return total, denied, nil
}

// Summary aggregates attempts per tool since the given time. An empty
// module covers every module.
func (r *Recorder) Summary(ctx context.Context, q store.Querier, module string, since time.Time) ([]ToolSummary, error) {
	query := `SELECT tool_name, COUNT(*),
		CAST(COALESCE(SUM(CASE WHEN was_allowed = 1 THEN 1 ELSE 0 END), 0) AS BIGINT),
		CAST(COALESCE(SUM(CASE WHEN was_allowed = 1 THEN credits_required ELSE 0 END), 0) AS BIGINT)
		FROM tool_attempts WHERE attempted_at >= ?`
	args := []any{store.Millis(since)}
	if module != "" {
		query += " AND module = ?"
		args = append(args, module)
	}
	query += " GROUP BY tool_name ORDER BY tool_name"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summarising attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ToolSummary
	for rows.Next() {
		var s ToolSummary
		if err := rows.Scan(&s.ToolName, &s.Total, &s.Allowed, &s.CreditsSpent); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		s.Denied = s.Total - s.Allowed
		out = append(out, s)
	}
	return out, rows.Err()
}

// Counter binds the recorder to a Querier for the abuse detector.
func (r *Recorder) Counter(q store.Querier) *Counter {
	return &Counter{r: r, q: q}
}

// Counter answers windowed denial counts.
type Counter struct {
	r *Recorder
	q store.Querier
}

// CountDenied returns denied attempts for the pair at or after since,
// not counting system errors.
func (c *Counter) CountDenied(ctx context.Context, userID, tool string, since time.Time) (int64, error) {
	_, denied, err := c.r.Counts(ctx, c.q, userID, tool, since)
	return denied, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		attempted int64
		allowed   int
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.ToolName, &rec.Module, &attempted, &allowed,
		&rec.Reason, &rec.CreditsRequired, &rec.UserCreditsAfter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scanning attempt: %w", err)
	}
	rec.AttemptedAt = store.FromMillis(attempted)
	rec.WasAllowed = allowed == 1
	return rec, nil
}

package enforcement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oktsec/toolgate/internal/store"
)

// FlagOveruse is raised by the abuse detector.
const FlagOveruse = "overuse"

// FlagRuleMatch is raised by auto_flag rules.
const FlagRuleMatch = "rule_match"

const flagColumns = `id, user_id, tool_name, module, flag_type, source, rule_id, attempt_id, created_at, reviewed_at, reviewed_by`

// RaiseFlag appends a review flag.
func (s *Store) RaiseFlag(ctx context.Context, q store.Querier, f Flag) (Flag, error) {
	if f.UserID == "" || f.FlagType == "" {
		return Flag{}, fmt.Errorf("%w: flag needs user and type", ErrInvalid)
	}
	f.ID = uuid.NewString()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.Now()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO review_flags (id, user_id, tool_name, module, flag_type, source, rule_id, attempt_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.ToolName, f.Module, f.FlagType, f.Source, f.RuleID, f.AttemptID, store.Millis(f.CreatedAt))
	if err != nil {
		return Flag{}, fmt.Errorf("inserting flag: %w", err)
	}
	return f, nil
}

// RecentFlag reports whether a flag of flagType was raised for the pair at
// or after since.
func (s *Store) RecentFlag(ctx context.Context, q store.Querier, userID, tool, flagType string, since time.Time) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_flags WHERE user_id = ? AND tool_name = ? AND flag_type = ? AND created_at >= ?`,
		userID, tool, flagType, store.Millis(since)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking recent flag: %w", err)
	}
	return n > 0, nil
}

// Flag returns one review flag.
func (s *Store) Flag(ctx context.Context, q store.Querier, id string) (Flag, error) {
	f, err := scanFlag(q.QueryRowContext(ctx, `SELECT `+flagColumns+` FROM review_flags WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Flag{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, err
}

// FlagQuery filters Flags.
type FlagQuery struct {
	UserID   string
	ToolName string
	Module   string
	OpenOnly bool
	Limit    int
}

// Flags returns review flags, newest first.
func (s *Store) Flags(ctx context.Context, q store.Querier, opts FlagQuery) ([]Flag, error) {
	query := `SELECT ` + flagColumns + ` FROM review_flags WHERE 1=1`
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
	if opts.OpenOnly {
		query += " AND reviewed_at IS NULL"
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying flags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Flag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFlag(row rowScanner) (Flag, error) {
	var (
		f        Flag
		created  int64
		reviewed sql.NullInt64
	)
	if err := row.Scan(&f.ID, &f.UserID, &f.ToolName, &f.Module, &f.FlagType, &f.Source, &f.RuleID,
		&f.AttemptID, &created, &reviewed, &f.ReviewedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Flag{}, err
		}
		return Flag{}, fmt.Errorf("scanning flag: %w", err)
	}
	f.CreatedAt = store.FromMillis(created)
	f.ReviewedAt = store.TimePtr(reviewed)
	return f, nil
}

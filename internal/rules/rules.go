// Package rules holds admin-defined enforcement rules: a typed predicate
// over the attempt context mapped to an action. Rules are soft-disabled,
// never deleted, and every match is kept as a Rule Violation.
package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oktsec/toolgate/internal/store"
)

// ErrNotFound is returned when a rule id does not exist.
var ErrNotFound = errors.New("rule not found")

// AllModules targets every module.
const AllModules = "*"

// Action is what a matching rule does to the attempt.
type Action string

const (
	ActionLogOnly   Action = "log_only"
	ActionAutoBlock Action = "auto_block"
	ActionAutoFlag  Action = "auto_flag"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionLogOnly, ActionAutoBlock, ActionAutoFlag:
		return true
	}
	return false
}

// Rule is one enforcement rule.
type Rule struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	TargetModule string     `json:"target_module"`
	Condition    *Condition `json:"condition"`
	Action       Action     `json:"action"`
	Enabled      bool       `json:"enabled"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Result is the outcome of evaluating one enabled rule.
type Result struct {
	Rule           Rule
	Matched        bool
	OffendingValue string
}

// Violation records that a rule matched an attempt.
type Violation struct {
	ID              string    `json:"id"`
	RuleID          string    `json:"rule_id"`
	AttemptID       string    `json:"attempt_id"`
	UserID          string    `json:"user_id"`
	ToolName        string    `json:"tool_name"`
	OffendingValue  string    `json:"offending_value"`
	DetectedAt      time.Time `json:"detected_at"`
	AutoActionTaken bool      `json:"auto_action_taken"`
}

// ListOpts filters List.
type ListOpts struct {
	Module      string
	EnabledOnly bool
}

// ViolationQuery filters Violations.
type ViolationQuery struct {
	RuleID   string
	UserID   string
	ToolName string
	Since    time.Time
	Limit    int
}

// Set reads and mutates the rule table.
type Set struct {
	now func() time.Time
}

// NewSet creates a Set using the wall clock.
func NewSet() *Set {
	return &Set{now: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Set) WithClock(now func() time.Time) *Set {
	s.now = now
	return s
}

// Create validates and inserts a rule. ID and timestamps are assigned here.
func (s *Set) Create(ctx context.Context, q store.Querier, r Rule) (Rule, error) {
	if r.TargetModule == "" {
		return Rule{}, fmt.Errorf("%w: target module required", ErrInvalidCondition)
	}
	if !r.Action.Valid() {
		return Rule{}, fmt.Errorf("%w: unknown action %q", ErrInvalidCondition, r.Action)
	}
	if r.Condition == nil {
		return Rule{}, fmt.Errorf("%w: condition required", ErrInvalidCondition)
	}
	if err := r.Condition.Validate(); err != nil {
		return Rule{}, err
	}
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return Rule{}, fmt.Errorf("encoding condition: %w", err)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	r.ID = uuid.NewString()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err = q.ExecContext(ctx,
		`INSERT INTO rules (id, name, target_module, condition, action, enabled, created_by, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.TargetModule, string(cond), string(r.Action), store.Bool(r.Enabled), r.CreatedBy,
		store.Millis(now), store.Millis(now))
	if err != nil {
		return Rule{}, fmt.Errorf("inserting rule: %w", err)
	}
	return r, nil
}

// Get returns one rule or ErrNotFound.
func (s *Set) Get(ctx context.Context, q store.Querier, id string) (Rule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// SetEnabled flips a rule on or off. It reports false when the rule was
// already in the requested state.
func (s *Set) SetEnabled(ctx context.Context, q store.Querier, id string, enabled bool) (bool, error) {
	r, err := s.Get(ctx, q, id)
	if err != nil {
		return false, err
	}
	if r.Enabled == enabled {
		return false, nil
	}
	_, err = q.ExecContext(ctx, `UPDATE rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		store.Bool(enabled), store.Millis(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("updating rule: %w", err)
	}
	return true, nil
}

// List returns rules, oldest first.
func (s *Set) List(ctx context.Context, q store.Querier, opts ListOpts) ([]Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE 1=1`
	var args []any
	if opts.Module != "" {
		query += " AND (target_module = ? OR target_module = ?)"
		args = append(args, opts.Module, AllModules)
	}
	if opts.EnabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY created_at, id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Evaluate runs every enabled rule targeting module against ac.
// Disabled rules are never evaluated.
func (s *Set) Evaluate(ctx context.Context, q store.Querier, module string, ac AttemptContext) ([]Result, error) {
	active, err := s.List(ctx, q, ListOpts{Module: module, EnabledOnly: true})
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(active))
	for _, r := range active {
		matched, offending := r.Condition.Eval(ac)
		results = append(results, Result{Rule: r, Matched: matched, OffendingValue: offending})
	}
	return results, nil
}

// RecordViolation stores a violation. A second record for the same rule and
// attempt is ignored.
func (s *Set) RecordViolation(ctx context.Context, q store.Querier, v Violation) (Violation, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.DetectedAt.IsZero() {
		v.DetectedAt = s.now().UTC().Truncate(time.Millisecond)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO rule_violations (id, rule_id, attempt_id, user_id, tool_name, offending_value, detected_at, auto_action_taken)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (rule_id, attempt_id) DO NOTHING`,
		v.ID, v.RuleID, v.AttemptID, v.UserID, v.ToolName, v.OffendingValue,
		store.Millis(v.DetectedAt), store.Bool(v.AutoActionTaken))
	if err != nil {
		return Violation{}, fmt.Errorf("inserting violation: %w", err)
	}
	return v, nil
}

// Violations returns matching violations, newest first.
func (s *Set) Violations(ctx context.Context, q store.Querier, opts ViolationQuery) ([]Violation, error) {
	query := `SELECT id, rule_id, attempt_id, user_id, tool_name, offending_value, detected_at, auto_action_taken FROM rule_violations WHERE 1=1`
	var args []any
	if opts.RuleID != "" {
		query += " AND rule_id = ?"
		args = append(args, opts.RuleID)
	}
	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, opts.ToolName)
	}
	if !opts.Since.IsZero() {
		query += " AND detected_at >= ?"
		args = append(args, store.Millis(opts.Since))
	}
	query += " ORDER BY detected_at DESC, id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying violations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Violation
	for rows.Next() {
		var v Violation
		var detected int64
		var auto int
		if err := rows.Scan(&v.ID, &v.RuleID, &v.AttemptID, &v.UserID, &v.ToolName, &v.OffendingValue, &detected, &auto); err != nil {
			return nil, fmt.Errorf("scanning violation: %w", err)
		}
		v.DetectedAt = store.FromMillis(detected)
		v.AutoActionTaken = auto == 1
		out = append(out, v)
	}
	return out, rows.Err()
}

const ruleColumns = `id, name, target_module, condition, action, enabled, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (Rule, error) {
	var (
		r                Rule
		cond, action     string
		enabled          int
		created, updated int64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.TargetModule, &cond, &action, &enabled, &r.CreatedBy, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, err
		}
		return Rule{}, fmt.Errorf("scanning rule: %w", err)
	}
	c, err := ParseCondition([]byte(cond))
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	r.Condition = c
	r.Action = Action(action)
	r.Enabled = enabled == 1
	r.CreatedAt = store.FromMillis(created)
	r.UpdatedAt = store.FromMillis(updated)
	return r, nil
}

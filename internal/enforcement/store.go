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

// Store reads and writes enforcement statuses and review flags.
type Store struct {
	now func() time.Time
}

// NewStore creates a Store using the wall clock.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

const statusColumns = `id, kind, user_id, module, feature, level, reason, imposed_by, started_at, expires_at, resolved_at, resolved_by`

// Snapshot collects every status in force for userID in module.
func (s *Store) Snapshot(ctx context.Context, q store.Querier, userID, module string) (Snapshot, error) {
	now := s.Now()
	snap := Snapshot{At: now, UserID: userID, Module: module}

	rows, err := q.QueryContext(ctx,
		`SELECT `+statusColumns+` FROM enforcement_statuses
		 WHERE resolved_at IS NULL AND module IN (?, ?)
		 AND ((kind = ? AND user_id = '') OR (kind <> ? AND user_id = ?))
		 ORDER BY started_at, id`,
		module, AllScope, string(KindKillSwitch), string(KindKillSwitch), userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("querying enforcement: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return Snapshot{}, err
		}
		if !st.Active(now) {
			continue
		}
		switch st.Kind {
		case KindKillSwitch:
			if snap.KillSwitch == nil {
				snap.KillSwitch = &st
			}
		case KindShadowban:
			if snap.Shadowban == nil {
				snap.Shadowban = &st
			}
		case KindThrottle:
			if snap.Throttle == nil || st.Level.rank() > snap.Throttle.Level.rank() {
				snap.Throttle = &st
			}
		case KindCooldown:
			snap.Cooldowns = append(snap.Cooldowns, st)
		}
	}
	return snap, rows.Err()
}

// Impose records a status. It reports false, and writes nothing, when an
// equivalent status is already in force:
//   - kill switch: any unresolved kill switch on the module
//   - shadowban: an active shadowban with the same end
//   - throttle: an unresolved throttle with the same level
//   - cooldown: an active cooldown on the feature lasting at least as long
//
// A shadowban with a different end or a throttle with a different level
// updates the existing record.
func (s *Store) Impose(ctx context.Context, q store.Querier, st Status) (Status, bool, error) {
	now := s.Now()
	if st.StartedAt.IsZero() {
		st.StartedAt = now
	}
	if err := validate(&st); err != nil {
		return Status{}, false, err
	}

	existing, err := s.current(ctx, q, st)
	if err != nil {
		return Status{}, false, err
	}

	for _, cur := range existing {
		if !cur.Active(now) {
			continue
		}
		switch st.Kind {
		case KindKillSwitch:
			return cur, false, nil
		case KindCooldown:
			if cur.Feature == st.Feature && !cur.ExpiresAt.Before(*st.ExpiresAt) {
				return cur, false, nil
			}
		case KindShadowban:
			if sameEnd(cur.ExpiresAt, st.ExpiresAt) {
				return cur, false, nil
			}
			return s.update(ctx, q, cur.ID, st)
		case KindThrottle:
			if cur.Level == st.Level {
				return cur, false, nil
			}
			return s.update(ctx, q, cur.ID, st)
		}
	}

	st.ID = uuid.NewString()
	_, err = q.ExecContext(ctx,
		`INSERT INTO enforcement_statuses (id, kind, user_id, module, feature, level, reason, imposed_by, started_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, string(st.Kind), st.UserID, st.Module, st.Feature, string(st.Level), st.Reason, st.ImposedBy,
		store.Millis(st.StartedAt), store.NullMillis(st.ExpiresAt))
	if err != nil {
		return Status{}, false, fmt.Errorf("inserting %s: %w", st.Kind, err)
	}
	return st, true, nil
}

func (s *Store) update(ctx context.Context, q store.Querier, id string, st Status) (Status, bool, error) {
	_, err := q.ExecContext(ctx,
		`UPDATE enforcement_statuses SET level = ?, reason = ?, imposed_by = ?, started_at = ?, expires_at = ? WHERE id = ?`,
		string(st.Level), st.Reason, st.ImposedBy, store.Millis(st.StartedAt), store.NullMillis(st.ExpiresAt), id)
	if err != nil {
		return Status{}, false, fmt.Errorf("updating %s: %w", st.Kind, err)
	}
	st.ID = id
	return st, true, nil
}

func (s *Store) current(ctx context.Context, q store.Querier, st Status) ([]Status, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+statusColumns+` FROM enforcement_statuses
		 WHERE resolved_at IS NULL AND kind = ? AND user_id = ? AND module = ?
		 ORDER BY started_at, id`,
		string(st.Kind), st.UserID, st.Module)
	if err != nil {
		return nil, fmt.Errorf("querying enforcement: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Status
	for rows.Next() {
		cur, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cur)
	}
	return out, rows.Err()
}

// Get returns a status by id.
func (s *Store) Get(ctx context.Context, q store.Querier, id string) (Status, error) {
	st, err := scanStatus(q.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM enforcement_statuses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st, err
}

// Resolve lifts a status or closes a review flag by id. It reports false
// when the record was already resolved.
func (s *Store) Resolve(ctx context.Context, q store.Querier, id, by string) (bool, error) {
	now := store.Millis(s.Now())
	st, err := s.Get(ctx, q, id)
	switch {
	case err == nil:
		if st.ResolvedAt != nil {
			return false, nil
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE enforcement_statuses SET resolved_at = ?, resolved_by = ? WHERE id = ? AND resolved_at IS NULL`,
			now, by, id); err != nil {
			return false, fmt.Errorf("resolving status: %w", err)
		}
		return true, nil
	case !errors.Is(err, ErrNotFound):
		return false, err
	}

	f, err := s.Flag(ctx, q, id)
	if err != nil {
		return false, err
	}
	if f.ReviewedAt != nil {
		return false, nil
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE review_flags SET reviewed_at = ?, reviewed_by = ? WHERE id = ? AND reviewed_at IS NULL`,
		now, by, id); err != nil {
		return false, fmt.Errorf("closing flag: %w", err)
	}
	return true, nil
}

// ResolveUser lifts every per-user status still in force for userID and
// closes the user's open flags. Kill switches are untouched. It returns
// how many records changed.
func (s *Store) ResolveUser(ctx context.Context, q store.Querier, userID, by string) (int64, error) {
	now := store.Millis(s.Now())
	res, err := q.ExecContext(ctx,
		`UPDATE enforcement_statuses SET resolved_at = ?, resolved_by = ?
		 WHERE user_id = ? AND kind <> ? AND resolved_at IS NULL AND (expires_at IS NULL OR expires_at > ?)`,
		now, by, userID, string(KindKillSwitch), now)
	if err != nil {
		return 0, fmt.Errorf("resolving user statuses: %w", err)
	}
	statuses, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolving user statuses: %w", err)
	}

	res, err = q.ExecContext(ctx,
		`UPDATE review_flags SET reviewed_at = ?, reviewed_by = ? WHERE user_id = ? AND reviewed_at IS NULL`,
		now, by, userID)
	if err != nil {
		return 0, fmt.Errorf("closing user flags: %w", err)
	}
	flags, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("closing user flags: %w", err)
	}
	return statuses + flags, nil
}

// ListOpts filters List.
type ListOpts struct {
	UserID     string
	Module     string
	Kind       Kind
	ActiveOnly bool
	Limit      int
}

// List returns statuses, newest first.
func (s *Store) List(ctx context.Context, q store.Querier, opts ListOpts) ([]Status, error) {
	query := `SELECT ` + statusColumns + ` FROM enforcement_statuses WHERE 1=1`
	var args []any
	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.Module != "" {
		query += " AND module = ?"
		args = append(args, opts.Module)
	}
	if opts.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(opts.Kind))
	}
	if opts.ActiveOnly {
		query += " AND resolved_at IS NULL"
	}
	query += " ORDER BY started_at DESC, id"
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying enforcement: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := s.Now()
	var out []Status
	for rows.Next() && len(out) < limit {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		if opts.ActiveOnly && !st.Active(now) {
			continue
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func validate(st *Status) error {
	if st.Module == "" {
		return fmt.Errorf("%w: module required", ErrInvalid)
	}
	if st.ImposedBy == "" {
		return fmt.Errorf("%w: imposed_by required", ErrInvalid)
	}
	switch st.Kind {
	case KindKillSwitch:
		if st.UserID != "" {
			return fmt.Errorf("%w: kill switch is module-wide", ErrInvalid)
		}
		st.ExpiresAt = nil
	case KindShadowban:
		if st.ExpiresAt != nil && !st.ExpiresAt.After(st.StartedAt) {
			return fmt.Errorf("%w: shadowban ends before it starts", ErrInvalid)
		}
	case KindThrottle:
		if !st.Level.Valid() {
			return fmt.Errorf("%w: unknown throttle level %q", ErrInvalid, st.Level)
		}
		st.ExpiresAt = nil
	case KindCooldown:
		if st.ExpiresAt == nil || !st.ExpiresAt.After(st.StartedAt) {
			return fmt.Errorf("%w: cooldown needs a positive duration", ErrInvalid)
		}
		if st.Feature == "" {
			st.Feature = AllScope
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, st.Kind)
	}
	if st.Kind != KindKillSwitch && st.UserID == "" {
		return fmt.Errorf("%w: user required", ErrInvalid)
	}
	if st.Kind != KindThrottle {
		st.Level = ""
	}
	if st.Kind != KindCooldown {
		st.Feature = ""
	}
	return nil
}

func sameEnd(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (Status, error) {
	var (
		st                Status
		kind, level       string
		started           int64
		expires, resolved sql.NullInt64
	)
	if err := row.Scan(&st.ID, &kind, &st.UserID, &st.Module, &st.Feature, &level, &st.Reason,
		&st.ImposedBy, &started, &expires, &resolved, &st.ResolvedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Status{}, err
		}
		return Status{}, fmt.Errorf("scanning status: %w", err)
	}
	st.Kind = Kind(kind)
	st.Level = Level(level)
	st.StartedAt = store.FromMillis(started)
	st.ExpiresAt = store.TimePtr(expires)
	st.ResolvedAt = store.TimePtr(resolved)
	return st, nil
}

// Package admin implements privileged overrides. Every call checks the
// admin role, performs its mutation and writes exactly one audit entry in
// the same transaction. Calls that change nothing write nothing.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oktsec/toolgate/internal/attempts"
	"github.com/oktsec/toolgate/internal/audit"
	"github.com/oktsec/toolgate/internal/enforcement"
	"github.com/oktsec/toolgate/internal/ledger"
	"github.com/oktsec/toolgate/internal/metrics"
	"github.com/oktsec/toolgate/internal/rules"
	"github.com/oktsec/toolgate/internal/store"
)

var (
	// ErrForbidden rejects callers without the admin role.
	ErrForbidden = errors.New("admin role required")
	// ErrInvalidArgument rejects malformed override requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// RoleAdmin is the only role allowed to call the API.
const RoleAdmin = "admin"

// Audit actions.
const (
	ActionGrantCredits  = "grant_credits"
	ActionDeductCredits = "deduct_credits"
	ActionRefundAttempt = "refund_attempt"
	ActionCreateRule    = "create_rule"
	ActionToggleRule    = "toggle_rule"
	ActionShadowban     = "impose_shadowban"
	ActionThrottle      = "impose_throttle"
	ActionCooldown      = "impose_cooldown"
	ActionKillSwitch    = "impose_kill_switch"
	ActionResolve       = "resolve"
	ActionRestoreUser   = "restore_user"
)

// ledgerModule is the audit module of credit operations.
const ledgerModule = "ledger"

// Identity is the caller as established by the authentication layer.
type Identity struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func (i Identity) check() error {
	if strings.TrimSpace(i.ID) == "" || i.Role != RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// BalanceChange is the outcome of a credit operation.
type BalanceChange struct {
	UserID  string `json:"user_id"`
	Amount  int64  `json:"amount"`
	Balance int64  `json:"balance"`
	Changed bool   `json:"changed"`
}

// StatusChange is the outcome of an enforcement override.
type StatusChange struct {
	Status  enforcement.Status `json:"status"`
	Changed bool               `json:"changed"`
}

// API is the admin override surface.
type API struct {
	db          *store.DB
	ledger      *ledger.Ledger
	rules       *rules.Set
	enforcement *enforcement.Store
	attempts    *attempts.Recorder
	audit       *audit.Log
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// New creates the API over db. m may be nil.
func New(db *store.DB, m *metrics.Metrics, logger *slog.Logger) *API {
	return &API{
		db:          db,
		ledger:      ledger.New(),
		rules:       rules.NewSet(),
		enforcement: enforcement.NewStore(),
		attempts:    attempts.NewRecorder(),
		audit:       audit.NewLog(),
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the clock of the API and its components.
func (a *API) WithClock(now func() time.Time) *API {
	a.now = now
	a.ledger.WithClock(now)
	a.rules.WithClock(now)
	a.enforcement.WithClock(now)
	a.attempts.WithClock(now)
	a.audit.WithClock(now)
	return a
}

// mutation is the outcome of the body of one admin transaction.
type mutation struct {
	changed bool
	entry   audit.Entry
	detail  any
}

// run checks the role and executes fn in a transaction, appending the
// audit entry when fn reports a change.
func (a *API) run(ctx context.Context, actor Identity, action string, fn func(q store.Querier) (mutation, error)) (bool, error) {
	if err := actor.check(); err != nil {
		return false, err
	}
	var changed bool
	err := a.db.InTx(ctx, func(q store.Querier) error {
		m, err := fn(q)
		if err != nil {
			return err
		}
		changed = m.changed
		if !m.changed {
			return nil
		}
		m.entry.Action = action
		m.entry.DecidedBy = actor.ID
		_, err = a.audit.Append(ctx, q, m.entry, m.detail)
		return err
	})
	if err != nil {
		a.logger.Warn("admin action failed", "action", action, "actor", actor.ID, "error", err)
		return false, err
	}
	a.metrics.AdminAction(action, changed)
	if changed {
		a.logger.Info("admin action", "action", action, "actor", actor.ID)
	}
	return changed, nil
}

// GrantCredits adds credits to a user's balance.
func (a *API) GrantCredits(ctx context.Context, actor Identity, userID string, amount int64, reason string) (BalanceChange, error) {
	if userID == "" || amount <= 0 {
		return BalanceChange{}, fmt.Errorf("%w: user and a positive amount are required", ErrInvalidArgument)
	}
	out := BalanceChange{UserID: userID, Amount: amount}
	_, err := a.run(ctx, actor, ActionGrantCredits, func(q store.Querier) (mutation, error) {
		bal, err := a.ledger.Credit(ctx, q, userID, amount, ledger.EntryGrant, reason)
		if err != nil {
			return mutation{}, err
		}
		out.Balance, out.Changed = bal, true
		return mutation{
			changed: true,
			entry:   audit.Entry{Module: ledgerModule, Target: userID, Decision: fmt.Sprintf("granted %d, balance %d", amount, bal)},
			detail:  out,
		}, nil
	})
	return out, err
}

// DeductCredits removes credits. A deduction larger than the balance
// fails with ledger.ErrInsufficientFunds and changes nothing.
func (a *API) DeductCredits(ctx context.Context, actor Identity, userID string, amount int64, reason string) (BalanceChange, error) {
	if userID == "" || amount <= 0 {
		return BalanceChange{}, fmt.Errorf("%w: user and a positive amount are required", ErrInvalidArgument)
	}
	out := BalanceChange{UserID: userID, Amount: amount}
	_, err := a.run(ctx, actor, ActionDeductCredits, func(q store.Querier) (mutation, error) {
		bal, err := a.ledger.Debit(ctx, q, userID, amount, ledger.EntryDeduct, reason)
		if err != nil {
			return mutation{}, err
		}
		out.Balance, out.Changed = bal, true
		return mutation{
			changed: true,
			entry:   audit.Entry{Module: ledgerModule, Target: userID, Decision: fmt.Sprintf("deducted %d, balance %d", amount, bal)},
			detail:  out,
		}, nil
	})
	return out, err
}

// RefundAttempt credits back what an allowed attempt was charged. A
// second refund of the same attempt is a no-op.
func (a *API) RefundAttempt(ctx context.Context, actor Identity, attemptID, reason string) (BalanceChange, error) {
	if attemptID == "" {
		return BalanceChange{}, fmt.Errorf("%w: attempt id required", ErrInvalidArgument)
	}
	var out BalanceChange
	_, err := a.run(ctx, actor, ActionRefundAttempt, func(q store.Querier) (mutation, error) {
		rec, err := a.attempts.Get(ctx, q, attemptID)
		if err != nil {
			return mutation{}, err
		}
		if !rec.WasAllowed || rec.CreditsRequired == 0 {
			return mutation{}, fmt.Errorf("%w: attempt %s was not charged", ErrInvalidArgument, attemptID)
		}
		out = BalanceChange{UserID: rec.UserID, Amount: rec.CreditsRequired}

		done, err := a.ledger.HasEntry(ctx, q, ledger.EntryRefund, attemptID)
		if err != nil {
			return mutation{}, err
		}
		if done {
			out.Balance, err = a.ledger.Balance(ctx, q, rec.UserID)
			return mutation{}, err
		}
		bal, err := a.ledger.Credit(ctx, q, rec.UserID, rec.CreditsRequired, ledger.EntryRefund, attemptID)
		if err != nil {
			return mutation{}, err
		}
		out.Balance, out.Changed = bal, true
		return mutation{
			changed: true,
			entry: audit.Entry{
				Module:   rec.Module,
				Target:   rec.UserID,
				Decision: fmt.Sprintf("refunded %d for attempt %s: %s", rec.CreditsRequired, attemptID, reason),
			},
			detail: out,
		}, nil
	})
	return out, err
}

// CreateRule adds a rule.
func (a *API) CreateRule(ctx context.Context, actor Identity, r rules.Rule) (rules.Rule, error) {
	var out rules.Rule
	r.CreatedBy = actor.ID
	_, err := a.run(ctx, actor, ActionCreateRule, func(q store.Querier) (mutation, error) {
		created, err := a.rules.Create(ctx, q, r)
		if err != nil {
			return mutation{}, err
		}
		out = created
		return mutation{
			changed: true,
			entry:   audit.Entry{Module: created.TargetModule, Target: created.ID, Decision: fmt.Sprintf("created %s rule %q", created.Action, created.Name)},
			detail:  created,
		}, nil
	})
	return out, err
}

// ToggleRule enables or disables a rule. Setting the current state again
// changes nothing.
func (a *API) ToggleRule(ctx context.Context, actor Identity, ruleID string, enabled bool) (rules.Rule, bool, error) {
	var out rules.Rule
	changed, err := a.run(ctx, actor, ActionToggleRule, func(q store.Querier) (mutation, error) {
		changed, err := a.rules.SetEnabled(ctx, q, ruleID, enabled)
		if err != nil {
			return mutation{}, err
		}
		if out, err = a.rules.Get(ctx, q, ruleID); err != nil {
			return mutation{}, err
		}
		decision := "disabled"
		if enabled {
			decision = "enabled"
		}
		return mutation{
			changed: changed,
			entry:   audit.Entry{Module: out.TargetModule, Target: ruleID, Decision: decision},
			detail:  out,
		}, nil
	})
	return out, changed, err
}

func (a *API) impose(ctx context.Context, actor Identity, action string, st enforcement.Status) (StatusChange, error) {
	var out StatusChange
	st.ImposedBy = actor.ID
	_, err := a.run(ctx, actor, action, func(q store.Querier) (mutation, error) {
		saved, changed, err := a.enforcement.Impose(ctx, q, st)
		if err != nil {
			return mutation{}, err
		}
		out = StatusChange{Status: saved, Changed: changed}
		target := saved.UserID
		if target == "" {
			target = saved.Module
		}
		return mutation{
			changed: changed,
			entry:   audit.Entry{Module: saved.Module, Target: target, Decision: describe(saved)},
			detail:  saved,
		}, nil
	})
	if errors.Is(err, enforcement.ErrInvalid) {
		return out, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return out, err
}

func describe(st enforcement.Status) string {
	switch st.Kind {
	case enforcement.KindThrottle:
		return fmt.Sprintf("throttle %s", st.Level)
	case enforcement.KindCooldown:
		return fmt.Sprintf("cooldown on %s until %s", st.Feature, st.ExpiresAt.UTC().Format(time.RFC3339))
	case enforcement.KindShadowban:
		if st.ExpiresAt != nil {
			return fmt.Sprintf("shadowban until %s", st.ExpiresAt.UTC().Format(time.RFC3339))
		}
		return "shadowban"
	}
	return string(st.Kind)
}

// ImposeShadowban blocks a user in module until until, or indefinitely
// when until is nil.
func (a *API) ImposeShadowban(ctx context.Context, actor Identity, userID, module, reason string, until *time.Time) (StatusChange, error) {
	return a.impose(ctx, actor, ActionShadowban, enforcement.Status{
		Kind: enforcement.KindShadowban, UserID: userID, Module: module, Reason: reason, ExpiresAt: until,
	})
}

// ImposeThrottle degrades a user in module at level.
func (a *API) ImposeThrottle(ctx context.Context, actor Identity, userID, module string, level enforcement.Level, reason string) (StatusChange, error) {
	return a.impose(ctx, actor, ActionThrottle, enforcement.Status{
		Kind: enforcement.KindThrottle, UserID: userID, Module: module, Level: level, Reason: reason,
	})
}

// ImposeCooldown blocks a user's use of feature for d. Feature "*" covers
// every tool in the module.
func (a *API) ImposeCooldown(ctx context.Context, actor Identity, userID, module, feature string, d time.Duration, reason string) (StatusChange, error) {
	if d <= 0 {
		return StatusChange{}, fmt.Errorf("%w: cooldown duration must be positive", ErrInvalidArgument)
	}
	expires := a.now().Add(d)
	return a.impose(ctx, actor, ActionCooldown, enforcement.Status{
		Kind: enforcement.KindCooldown, UserID: userID, Module: module, Feature: feature, Reason: reason, ExpiresAt: &expires,
	})
}

// ImposeKillSwitch disables a module for everyone.
func (a *API) ImposeKillSwitch(ctx context.Context, actor Identity, module, reason string) (StatusChange, error) {
	return a.impose(ctx, actor, ActionKillSwitch, enforcement.Status{
		Kind: enforcement.KindKillSwitch, Module: module, Reason: reason,
	})
}

// Resolve lifts a status or closes a review flag. Resolving twice is a
// no-op.
func (a *API) Resolve(ctx context.Context, actor Identity, id string) (bool, error) {
	return a.run(ctx, actor, ActionResolve, func(q store.Querier) (mutation, error) {
		entry := audit.Entry{Target: id}
		var detail any
		st, err := a.enforcement.Get(ctx, q, id)
		switch {
		case err == nil:
			entry.Module = st.Module
			entry.Decision = "resolved " + string(st.Kind)
			detail = st
		case errors.Is(err, enforcement.ErrNotFound):
			f, ferr := a.enforcement.Flag(ctx, q, id)
			if ferr != nil {
				return mutation{}, ferr
			}
			entry.Module = f.Module
			entry.Decision = "closed " + f.FlagType + " flag"
			detail = f
		default:
			return mutation{}, err
		}
		changed, err := a.enforcement.Resolve(ctx, q, id, actor.ID)
		if err != nil {
			return mutation{}, err
		}
		return mutation{changed: changed, entry: entry, detail: detail}, nil
	})
}

// RestoreUser lifts every per-user status and closes the user's open
// flags. It returns how many records changed.
func (a *API) RestoreUser(ctx context.Context, actor Identity, userID, reason string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user required", ErrInvalidArgument)
	}
	var n int64
	_, err := a.run(ctx, actor, ActionRestoreUser, func(q store.Querier) (mutation, error) {
		var err error
		if n, err = a.enforcement.ResolveUser(ctx, q, userID, actor.ID); err != nil {
			return mutation{}, err
		}
		return mutation{
			changed: n > 0,
			entry:   audit.Entry{Module: enforcement.AllScope, Target: userID, Decision: fmt.Sprintf("restored, %d records lifted: %s", n, reason)},
			detail:  map[string]any{"user_id": userID, "records": n, "reason": reason},
		}, nil
	})
	return n, err
}

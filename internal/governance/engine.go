// Package governance decides every tool invocation attempt: it gathers the
// user's balance, enforcement state and rule matches, charges the tool's
// cost together with the attempt record in one transaction, and escalates
// repeated denials after the decision has committed.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/oktsec/toolgate/internal/abuse"
	"github.com/oktsec/toolgate/internal/attempts"
	"github.com/oktsec/toolgate/internal/enforcement"
	"github.com/oktsec/toolgate/internal/ledger"
	"github.com/oktsec/toolgate/internal/metrics"
	"github.com/oktsec/toolgate/internal/notify"
	"github.com/oktsec/toolgate/internal/policy"
	"github.com/oktsec/toolgate/internal/rules"
	"github.com/oktsec/toolgate/internal/store"
)

// ErrInvalidRequest rejects malformed attempts before anything is recorded.
var ErrInvalidRequest = errors.New("invalid request")

// Reason explains a decision.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonThrottled         Reason = "throttled"
	ReasonModuleDisabled    Reason = "module_disabled"
	ReasonShadowbanned      Reason = "shadowbanned"
	ReasonCooldownActive    Reason = "cooldown_active"
	ReasonRuleBlocked       Reason = "rule_blocked"
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonUnknownTool       Reason = "unknown_tool"
	ReasonSystemError       Reason = attempts.ReasonSystemError
)

// DetectorActor is recorded as the imposer of automatic cooldowns.
const DetectorActor = "system:abuse-detector"

// Request is one attempt to invoke a tool.
type Request struct {
	UserID   string      `json:"user_id"`
	ToolName string      `json:"tool_name"`
	Module   string      `json:"module,omitempty"`
	Input    rules.Input `json:"input_context"`
}

func (r *Request) validate() error {
	r.UserID = strings.TrimSpace(r.UserID)
	r.ToolName = strings.TrimSpace(r.ToolName)
	if r.UserID == "" || r.ToolName == "" {
		return fmt.Errorf("%w: user_id and tool_name are required", ErrInvalidRequest)
	}
	if err := r.Input.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Decision is returned to the caller.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	Reason           Reason `json:"reason"`
	CreditsRequired  int64  `json:"credits_required"`
	RemainingCredits int64  `json:"remaining_credits"`
	AttemptID        string `json:"attempt_id,omitempty"`
}

// Scanner grades free text for the threat_severity rule field.
type Scanner interface {
	ThreatSeverity(ctx context.Context, content string) (int, error)
}

// Alerter queues alerts for delivery after commit.
type Alerter interface {
	Enqueue(a notify.Alert)
}

// Options carries the optional collaborators.
type Options struct {
	Guard   abuse.Guard
	Alerts  Alerter
	Scanner Scanner
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Engine is the access governance engine.
type Engine struct {
	db          *store.DB
	ledger      *ledger.Ledger
	rules       *rules.Set
	enforcement *enforcement.Store
	attempts    *attempts.Recorder

	guard   abuse.Guard
	alerts  Alerter
	scanner Scanner
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	policy     atomic.Pointer[policy.Policy]
	now        func() time.Time
	escalateMu sync.Mutex
}

// New creates an engine over db.
func New(db *store.DB, pol *policy.Policy, logger *slog.Logger, opts Options) *Engine {
	e := &Engine{
		db:          db,
		ledger:      ledger.New(),
		rules:       rules.NewSet(),
		enforcement: enforcement.NewStore(),
		attempts:    attempts.NewRecorder(),
		guard:       opts.Guard,
		alerts:      opts.Alerts,
		scanner:     opts.Scanner,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		logger:      logger,
		now:         time.Now,
	}
	if e.guard == nil {
		e.guard = abuse.NopGuard{}
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}
	e.SetPolicy(pol)
	return e
}

// WithClock overrides the clock of the engine and every component.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.ledger.WithClock(now)
	e.rules.WithClock(now)
	e.enforcement.WithClock(now)
	e.attempts.WithClock(now)
	return e
}

// SetPolicy swaps the policy used by subsequent attempts.
func (e *Engine) SetPolicy(p *policy.Policy) {
	if p == nil {
		p = policy.Normalize(policy.Policy{})
	}
	e.policy.Store(p)
}

// Policy returns the policy in force.
func (e *Engine) Policy() *policy.Policy { return e.policy.Load() }

// Balance returns a user's balance.
func (e *Engine) Balance(ctx context.Context, userID string) (int64, error) {
	return e.ledger.Balance(ctx, e.db.Q(), userID)
}

// Status returns the user's enforcement snapshot for module.
func (e *Engine) Status(ctx context.Context, userID, module string) (enforcement.Snapshot, error) {
	return e.enforcement.Snapshot(ctx, e.db.Q(), userID, module)
}

// evaluation is everything gathered before the decision.
type evaluation struct {
	balance  int64
	credits  int64
	blocker  *enforcement.Status
	throttle enforcement.Level
	results  []rules.Result
	reason   Reason
}

// Authorize decides one attempt. Only malformed requests return an error;
// persistence failures become a system_error denial.
func (e *Engine) Authorize(ctx context.Context, req Request) (Decision, error) {
	if err := req.validate(); err != nil {
		return Decision{}, err
	}
	start := time.Now()
	pol := e.policy.Load()

	ctx, span := e.tracer.Start(ctx, "governance.authorize", trace.WithAttributes(
		attribute.String("toolgate.user_id", req.UserID),
		attribute.String("toolgate.tool", req.ToolName),
	))
	defer span.End()

	tool, known := pol.Lookup(req.ToolName)
	if known && req.Module != "" && req.Module != tool.Module {
		span.SetStatus(codes.Error, "module mismatch")
		return Decision{}, fmt.Errorf("%w: tool %s belongs to module %s, not %s", ErrInvalidRequest, req.ToolName, tool.Module, req.Module)
	}
	module := req.Module
	if known {
		module = tool.Module
	}
	span.SetAttributes(attribute.String("toolgate.module", module))

	pctx, cancel := context.WithTimeout(ctx, pol.PersistTimeout)
	defer cancel()

	var ev *evaluation
	var err error
	if known {
		ev, err = e.evaluate(pctx, pol, req, tool)
	} else {
		ev = &evaluation{reason: ReasonUnknownTool}
		ev.balance, err = e.ledger.Balance(pctx, e.db.Q(), req.UserID)
	}
	if err != nil {
		return e.systemError(ctx, span, req, module, err), nil
	}

	rec, flags, err := e.commit(pctx, req, module, ev)
	if err != nil {
		return e.systemError(ctx, span, req, module, err), nil
	}

	d := Decision{
		Allowed:          rec.WasAllowed,
		Reason:           Reason(rec.Reason),
		CreditsRequired:  rec.CreditsRequired,
		RemainingCredits: rec.UserCreditsAfter,
		AttemptID:        rec.ID,
	}
	span.SetAttributes(attribute.Bool("toolgate.allowed", d.Allowed), attribute.String("toolgate.reason", string(d.Reason)))
	e.metrics.Attempt(module, req.ToolName, d.Allowed, string(d.Reason), d.CreditsRequired, time.Since(start))

	if d.Allowed {
		e.logger.Debug("attempt allowed", "user", req.UserID, "tool", req.ToolName, "credits", d.CreditsRequired, "remaining", d.RemainingCredits, "reason", d.Reason)
	} else {
		e.logger.Info("attempt denied", "user", req.UserID, "tool", req.ToolName, "module", module, "reason", d.Reason)
	}

	// Post-commit work survives the caller going away.
	post, postCancel := context.WithTimeout(context.WithoutCancel(ctx), pol.PersistTimeout)
	defer postCancel()
	for _, f := range flags {
		e.alert(notify.Alert{
			Type:        notify.TypeRuleFlag,
			Severity:    notify.SeverityInfo,
			Message:     fmt.Sprintf("rule %s flagged %s on %s: %s", f.rule.Name, req.UserID, req.ToolName, f.offending),
			RelatedTool: req.ToolName,
			UserID:      req.UserID,
			Module:      module,
		})
	}
	if !d.Allowed {
		e.escalate(post, pol, rec)
	}
	return d, nil
}

// evaluate gathers balance, enforcement and rule state and derives the
// pre-commit decision. ev.reason is empty when the attempt may be charged.
func (e *Engine) evaluate(ctx context.Context, pol *policy.Policy, req Request, tool policy.Tool) (*evaluation, error) {
	q := e.db.Q()
	now := e.now()
	ev := &evaluation{}

	var err error
	if ev.balance, err = e.ledger.Balance(ctx, q, req.UserID); err != nil {
		return nil, err
	}
	snap, err := e.enforcement.Snapshot(ctx, q, req.UserID, tool.Module)
	if err != nil {
		return nil, err
	}
	ev.blocker, ev.throttle = snap.Decide(req.ToolName)
	ev.credits = pol.Cost(tool.Credits, ev.throttle)

	total, denied, err := e.attempts.Counts(ctx, q, req.UserID, req.ToolName, now.Add(-pol.Detector.Window))
	if err != nil {
		return nil, err
	}

	ac := rules.AttemptContext{
		ToolName:        req.ToolName,
		UserID:          req.UserID,
		Module:          tool.Module,
		Input:           req.Input,
		RecentAttempts:  total,
		RecentDenials:   denied,
		CreditsRequired: ev.credits,
		Balance:         ev.balance,
	}
	if e.scanner != nil {
		if sev, err := e.scanner.ThreatSeverity(ctx, req.Input.Content()); err != nil {
			e.logger.Warn("content scan failed", "tool", req.ToolName, "error", err)
		} else {
			ac.ThreatSeverity = sev
		}
	}
	if ev.results, err = e.rules.Evaluate(ctx, q, tool.Module, ac); err != nil {
		return nil, err
	}

	switch {
	case ev.blocker != nil:
		ev.reason = blockReason(ev.blocker.Kind)
	case ruleBlocks(ev.results):
		ev.reason = ReasonRuleBlocked
	case ev.balance < ev.credits:
		ev.reason = ReasonInsufficientFunds
	}
	return ev, nil
}

func blockReason(k enforcement.Kind) Reason {
	switch k {
	case enforcement.KindKillSwitch:
		return ReasonModuleDisabled
	case enforcement.KindShadowban:
		return ReasonShadowbanned
	default:
		return ReasonCooldownActive
	}
}

func ruleBlocks(results []rules.Result) bool {
	for _, r := range results {
		if r.Matched && r.Rule.Action == rules.ActionAutoBlock {
			return true
		}
	}
	return false
}

type raisedFlag struct {
	rule      rules.Rule
	offending string
}

// commit charges (when allowed) and records the attempt, its rule
// violations and rule flags in a single transaction. A debit that loses a
// race for the balance turns the attempt into an insufficient_funds denial.
func (e *Engine) commit(ctx context.Context, req Request, module string, ev *evaluation) (attempts.Record, []raisedFlag, error) {
	rec := attempts.Record{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		ToolName:         req.ToolName,
		Module:           module,
		CreditsRequired:  ev.credits,
		UserCreditsAfter: ev.balance,
		Reason:           string(ev.reason),
	}
	var flags []raisedFlag

	err := e.db.InTx(ctx, func(q store.Querier) error {
		flags = flags[:0]
		rec.WasAllowed = false
		rec.Reason = string(ev.reason)
		rec.UserCreditsAfter = ev.balance

		if ev.reason == "" {
			bal, err := e.ledger.Debit(ctx, q, req.UserID, ev.credits, ledger.EntryCharge, rec.ID)
			switch {
			case errors.Is(err, ledger.ErrInsufficientFunds):
				rec.Reason = string(ReasonInsufficientFunds)
				if rec.UserCreditsAfter, err = e.ledger.Balance(ctx, q, req.UserID); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				rec.WasAllowed = true
				rec.UserCreditsAfter = bal
				rec.Reason = string(ReasonOK)
				if ev.throttle != "" {
					rec.Reason = string(ReasonThrottled)
				}
			}
		}

		saved, err := e.attempts.Append(ctx, q, rec)
		if err != nil {
			return err
		}
		rec = saved

		for _, r := range ev.results {
			if !r.Matched {
				continue
			}
			taken := false
			switch r.Rule.Action {
			case rules.ActionAutoBlock:
				taken = rec.Reason == string(ReasonRuleBlocked)
			case rules.ActionAutoFlag:
				taken = true
				if _, err := e.enforcement.RaiseFlag(ctx, q, enforcement.Flag{
					UserID:    req.UserID,
					ToolName:  req.ToolName,
					Module:    module,
					FlagType:  enforcement.FlagRuleMatch,
					Source:    enforcement.SourceRule,
					RuleID:    r.Rule.ID,
					AttemptID: rec.ID,
				}); err != nil {
					return err
				}
				flags = append(flags, raisedFlag{rule: r.Rule, offending: r.OffendingValue})
			}
			if _, err := e.rules.RecordViolation(ctx, q, rules.Violation{
				RuleID:          r.Rule.ID,
				AttemptID:       rec.ID,
				UserID:          req.UserID,
				ToolName:        req.ToolName,
				OffendingValue:  r.OffendingValue,
				AutoActionTaken: taken,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return attempts.Record{}, nil, err
	}
	return rec, flags, nil
}

// systemError reports a failed attempt. Nothing was charged; a denied
// record is written on a best-effort basis for the attempt log. The
// overuse detector does not count it.
func (e *Engine) systemError(ctx context.Context, span trace.Span, req Request, module string, cause error) Decision {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "persistence failed")
	e.logger.Error("attempt failed", "user", req.UserID, "tool", req.ToolName, "error", cause)
	e.metrics.Attempt(module, req.ToolName, false, string(ReasonSystemError), 0, 0)

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.policy.Load().PersistTimeout)
	defer cancel()
	rec, err := e.attempts.Append(bctx, e.db.Q(), attempts.Record{
		UserID:   req.UserID,
		ToolName: req.ToolName,
		Module:   module,
		Reason:   string(ReasonSystemError),
	})
	if err != nil {
		e.logger.Warn("recording failed attempt", "user", req.UserID, "tool", req.ToolName, "error", err)
	}
	return Decision{Allowed: false, Reason: ReasonSystemError, AttemptID: rec.ID}
}

// escalate runs the overuse detector over the committed denial and, unless
// an escalation for the pair was applied within the dedup window, raises a
// review flag (plus the optional cooldown) and queues an alert.
func (e *Engine) escalate(ctx context.Context, pol *policy.Policy, rec attempts.Record) {
	now := e.now()
	q := e.db.Q()

	esc, err := pol.Detector.Evaluate(ctx, e.attempts.Counter(q), rec.UserID, rec.ToolName, now)
	if err != nil {
		e.logger.Warn("abuse detector failed", "user", rec.UserID, "tool", rec.ToolName, "error", err)
		return
	}
	if esc == nil {
		return
	}

	e.escalateMu.Lock()
	defer e.escalateMu.Unlock()

	recent, err := e.enforcement.RecentFlag(ctx, q, rec.UserID, rec.ToolName, esc.FlagType, now.Add(-pol.DedupWindow))
	if err != nil {
		e.logger.Warn("escalation dedup check failed", "user", rec.UserID, "tool", rec.ToolName, "error", err)
		return
	}
	if recent {
		return
	}
	won, err := e.guard.Acquire(ctx, abuse.Key(*esc), pol.DedupWindow)
	if err != nil {
		e.logger.Warn("escalation guard failed", "key", abuse.Key(*esc), "error", err)
		return
	}
	if !won {
		return
	}

	err = e.db.InTx(ctx, func(q store.Querier) error {
		if _, err := e.enforcement.RaiseFlag(ctx, q, enforcement.Flag{
			UserID:    rec.UserID,
			ToolName:  rec.ToolName,
			Module:    rec.Module,
			FlagType:  esc.FlagType,
			Source:    enforcement.SourceDetector,
			AttemptID: rec.ID,
		}); err != nil {
			return err
		}
		if pol.EscalationCooldown <= 0 || rec.Module == "" {
			return nil
		}
		expires := now.Add(pol.EscalationCooldown)
		_, _, err := e.enforcement.Impose(ctx, q, enforcement.Status{
			Kind:      enforcement.KindCooldown,
			UserID:    rec.UserID,
			Module:    rec.Module,
			Feature:   rec.ToolName,
			Reason:    fmt.Sprintf("%d denials in %s", esc.Denials, esc.Window),
			ImposedBy: DetectorActor,
			ExpiresAt: &expires,
		})
		return err
	})
	if err != nil {
		e.logger.Error("applying escalation", "user", rec.UserID, "tool", rec.ToolName, "error", err)
		if err := e.guard.Release(ctx, abuse.Key(*esc)); err != nil {
			e.logger.Warn("releasing escalation guard", "key", abuse.Key(*esc), "error", err)
		}
		return
	}

	e.metrics.Escalation(esc.FlagType)
	e.logger.Warn("escalation applied", "user", rec.UserID, "tool", rec.ToolName, "denials", esc.Denials, "window", esc.Window)
	e.alert(notify.Alert{
		Type:        notify.TypeOveruse,
		Severity:    notify.SeverityWarning,
		Message:     fmt.Sprintf("%s was denied %d times on %s within %s", rec.UserID, esc.Denials, rec.ToolName, esc.Window),
		RelatedTool: rec.ToolName,
		UserID:      rec.UserID,
		Module:      rec.Module,
	})
}

func (e *Engine) alert(a notify.Alert) {
	if e.alerts == nil {
		return
	}
	a.Timestamp = e.now().UTC()
	e.alerts.Enqueue(a)
}

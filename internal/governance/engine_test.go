package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/oktsec/toolgate/internal/abuse"
	"github.com/oktsec/toolgate/internal/attempts"
	"github.com/oktsec/toolgate/internal/enforcement"
	"github.com/oktsec/toolgate/internal/ledger"
	"github.com/oktsec/toolgate/internal/metrics"
	"github.com/oktsec/toolgate/internal/notify"
	"github.com/oktsec/toolgate/internal/policy"
	"github.com/oktsec/toolgate/internal/rules"
	"github.com/oktsec/toolgate/internal/store"
	"github.com/oktsec/toolgate/internal/store/storetest"
)

const (
	user   = "user-1"
	tool   = "price_estimate"
	module = "valuation"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (s *alertSink) Enqueue(a notify.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *alertSink) ofType(typ string) []notify.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Alert
	for _, a := range s.alerts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

type fixedScanner int

func (f fixedScanner) ThreatSeverity(context.Context, string) (int, error) { return int(f), nil }

type harness struct {
	t      *testing.T
	db     *store.DB
	clock  *storetest.Clock
	engine *Engine
	alerts *alertSink
	ctx    context.Context
}

func testPolicy() *policy.Policy {
	return policy.Normalize(policy.Policy{
		Tools: map[string]policy.Tool{
			tool:         {Module: module, Credits: 50},
			"comparables": {Module: module, Credits: 20},
			"describe":    {Module: "listings", Credits: 10},
		},
		PersistTimeout: 10 * time.Second,
	})
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db := storetest.Open(t)
	clock := storetest.NewClock()
	sink := &alertSink{}
	if opts.Alerts == nil {
		opts.Alerts = sink
	}
	e := New(db, testPolicy(), storetest.Logger(), opts).WithClock(clock.Now)
	return &harness{t: t, db: db, clock: clock, engine: e, alerts: sink, ctx: context.Background()}
}

func (h *harness) grant(userID string, amount int64) {
	h.t.Helper()
	_, err := ledger.New().Credit(h.ctx, h.db.Q(), userID, amount, ledger.EntryGrant, "seed")
	require.NoError(h.t, err)
}

func (h *harness) authorize(toolName string) Decision {
	h.t.Helper()
	d, err := h.engine.Authorize(h.ctx, Request{UserID: user, ToolName: toolName})
	require.NoError(h.t, err)
	return d
}

func (h *harness) balance() int64 {
	h.t.Helper()
	b, err := h.engine.Balance(h.ctx, user)
	require.NoError(h.t, err)
	return b
}

func (h *harness) records() []attempts.Record {
	h.t.Helper()
	recs, err := attempts.NewRecorder().Query(h.ctx, h.db.Q(), attempts.QueryOpts{UserID: user, Limit: 1000})
	require.NoError(h.t, err)
	return recs
}

func (h *harness) impose(st enforcement.Status) enforcement.Status {
	h.t.Helper()
	if st.ImposedBy == "" {
		st.ImposedBy = "admin-1"
	}
	saved, _, err := enforcement.NewStore().WithClock(h.clock.Now).Impose(h.ctx, h.db.Q(), st)
	require.NoError(h.t, err)
	return saved
}

func (h *harness) rule(action rules.Action, cond string) rules.Rule {
	h.t.Helper()
	c, err := rules.ParseCondition([]byte(cond))
	require.NoError(h.t, err)
	r, err := rules.NewSet().Create(h.ctx, h.db.Q(), rules.Rule{
		Name:         string(action) + " rule",
		TargetModule: module,
		Condition:    c,
		Action:       action,
		Enabled:      true,
		CreatedBy:    "admin-1",
	})
	require.NoError(h.t, err)
	return r
}

func (h *harness) flags(flagType string) []enforcement.Flag {
	h.t.Helper()
	all, err := enforcement.NewStore().Flags(h.ctx, h.db.Q(), enforcement.FlagQuery{UserID: user, Limit: 100})
	require.NoError(h.t, err)
	var out []enforcement.Flag
	for _, f := range all {
		if f.FlagType == flagType {
			out = append(out, f)
		}
	}
	return out
}

func TestAuthorize_InsufficientFunds(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 40)

	d := h.authorize(tool)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientFunds, d.Reason)
	assert.Equal(t, int64(50), d.CreditsRequired)
	assert.Equal(t, int64(40), d.RemainingCredits)
	assert.Equal(t, int64(40), h.balance())

	recs := h.records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].WasAllowed)
	assert.Equal(t, string(ReasonInsufficientFunds), recs[0].Reason)
}

func TestAuthorize_AllowedChargesAndRecords(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 100)

	d := h.authorize(tool)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonOK, d.Reason)
	assert.Equal(t, int64(50), d.RemainingCredits)
	assert.Equal(t, int64(50), h.balance())

	recs := h.records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].WasAllowed)
	assert.Equal(t, d.AttemptID, recs[0].ID)
	assert.Equal(t, int64(50), recs[0].UserCreditsAfter)

	charged, err := ledger.New().HasEntry(h.ctx, h.db.Q(), ledger.EntryCharge, d.AttemptID)
	require.NoError(t, err)
	assert.True(t, charged, "charge must reference the attempt")
}

func TestAuthorize_KillSwitchBeatsEverything(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 1000)
	expires := h.clock.Now().Add(10 * time.Minute)
	h.impose(enforcement.Status{Kind: enforcement.KindCooldown, UserID: user, Module: module, Feature: tool, ExpiresAt: &expires})
	h.impose(enforcement.Status{Kind: enforcement.KindShadowban, UserID: user, Module: module})
	h.impose(enforcement.Status{Kind: enforcement.KindKillSwitch, Module: module})

	for _, name := range []string{tool, "comparables"} {
		d := h.authorize(name)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonModuleDisabled, d.Reason, name)
	}
	assert.Equal(t, int64(1000), h.balance())

	// Other modules are unaffected.
	assert.True(t, h.authorize("describe").Allowed)
}

func TestAuthorize_Precedence(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 10)
	h.rule(rules.ActionAutoBlock, `{"field":"tool_name","op":"eq","value":"price_estimate"}`)

	// Rule block outranks insufficient funds.
	assert.Equal(t, ReasonRuleBlocked, h.authorize(tool).Reason)

	// Cooldown outranks the rule.
	expires := h.clock.Now().Add(10 * time.Minute)
	h.impose(enforcement.Status{Kind: enforcement.KindCooldown, UserID: user, Module: module, Feature: tool, ExpiresAt: &expires})
	assert.Equal(t, ReasonCooldownActive, h.authorize(tool).Reason)

	// Shadowban outranks the cooldown.
	h.impose(enforcement.Status{Kind: enforcement.KindShadowban, UserID: user, Module: enforcement.AllScope})
	assert.Equal(t, ReasonShadowbanned, h.authorize(tool).Reason)
}

func TestAuthorize_CooldownSelfExpires(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 1000)
	expires := h.clock.Now().Add(10 * time.Minute)
	h.impose(enforcement.Status{Kind: enforcement.KindCooldown, UserID: user, Module: module, Feature: tool, ExpiresAt: &expires})

	h.clock.Advance(9 * time.Minute)
	d := h.authorize(tool)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCooldownActive, d.Reason)

	// A cooldown on one feature leaves the module's other tools alone.
	assert.True(t, h.authorize("comparables").Allowed)

	h.clock.Advance(2 * time.Minute)
	d = h.authorize(tool)
	assert.True(t, d.Allowed, "cooldown should lapse without a resolve")
	assert.Equal(t, ReasonOK, d.Reason)
}

func TestAuthorize_ThrottleRaisesCost(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 150)
	h.impose(enforcement.Status{Kind: enforcement.KindThrottle, UserID: user, Module: module, Level: enforcement.LevelHigh})

	d := h.authorize(tool)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonThrottled, d.Reason)
	assert.Equal(t, int64(100), d.CreditsRequired)
	assert.Equal(t, int64(50), d.RemainingCredits)

	// The throttled price is also what insufficiency is judged against.
	d = h.authorize(tool)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientFunds, d.Reason)
	assert.Equal(t, int64(100), d.CreditsRequired)
}

func TestAuthorize_EscalatesOncePerWindow(t *testing.T) {
	h := newHarness(t, Options{})

	for i := 1; i <= 4; i++ {
		assert.Equal(t, ReasonInsufficientFunds, h.authorize(tool).Reason)
	}
	assert.Empty(t, h.flags(enforcement.FlagOveruse), "four denials stay below the threshold")
	assert.Empty(t, h.alerts.ofType(notify.TypeOveruse))

	h.authorize(tool)
	flags := h.flags(enforcement.FlagOveruse)
	require.Len(t, flags, 1)
	assert.Equal(t, enforcement.SourceDetector, flags[0].Source)
	assert.Equal(t, tool, flags[0].ToolName)
	alerts := h.alerts.ofType(notify.TypeOveruse)
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, tool, alerts[0].RelatedTool)

	h.clock.Advance(time.Minute)
	h.authorize(tool)
	assert.Len(t, h.flags(enforcement.FlagOveruse), 1, "sixth denial must not duplicate")
	assert.Len(t, h.alerts.ofType(notify.TypeOveruse), 1)

	// Once the dedup window has passed, a fresh burst escalates again.
	h.clock.Advance(11 * time.Minute)
	for i := 0; i < 5; i++ {
		h.authorize(tool)
	}
	assert.Len(t, h.flags(enforcement.FlagOveruse), 2)
	assert.Len(t, h.alerts.ofType(notify.TypeOveruse), 2)
}

func TestAuthorize_FailedEscalationReleasesGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	h := newHarness(t, Options{Guard: abuse.NewRedisGuard(rdb)})
	key := "toolgate:escalation:" + abuse.Key(abuse.Escalation{FlagType: enforcement.FlagOveruse, UserID: user, ToolName: tool})

	_, err := h.db.Q().ExecContext(h.ctx,
		`CREATE TRIGGER fail_flags BEFORE INSERT ON review_flags BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.Equal(t, ReasonInsufficientFunds, h.authorize(tool).Reason)
	}
	assert.Empty(t, h.flags(enforcement.FlagOveruse))
	assert.False(t, mr.Exists(key), "guard key must not outlive a failed escalation")

	_, err = h.db.Q().ExecContext(h.ctx, `DROP TRIGGER fail_flags`)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	h.authorize(tool)
	require.Len(t, h.flags(enforcement.FlagOveruse), 1, "next denial escalates")
	assert.True(t, mr.Exists(key))
	assert.Len(t, h.alerts.ofType(notify.TypeOveruse), 1)
}

func TestAuthorize_EscalationCooldown(t *testing.T) {
	h := newHarness(t, Options{})
	pol := testPolicy()
	pol.EscalationCooldown = 15 * time.Minute
	h.engine.SetPolicy(pol)

	for i := 0; i < 5; i++ {
		h.authorize(tool)
	}
	h.grant(user, 1000)
	d := h.authorize(tool)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCooldownActive, d.Reason)

	h.clock.Advance(16 * time.Minute)
	assert.True(t, h.authorize(tool).Allowed)
}

func TestAuthorize_DeniedByOtherToolsDoNotCount(t *testing.T) {
	h := newHarness(t, Options{})
	for i := 0; i < 3; i++ {
		h.authorize(tool)
		h.authorize("comparables")
	}
	assert.Empty(t, h.flags(enforcement.FlagOveruse))
}

func TestAuthorize_AutoFlagRule(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 100)
	r := h.rule(rules.ActionAutoFlag, `{"field":"input_text","op":"contains","value":"offshore"}`)

	d, err := h.engine.Authorize(h.ctx, Request{
		UserID:   user,
		ToolName: tool,
		Input:    rules.Input{Kind: rules.KindText, Text: "wire the deposit offshore"},
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "auto_flag does not block")

	vs, err := rules.NewSet().Violations(h.ctx, h.db.Q(), rules.ViolationQuery{RuleID: r.ID})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.True(t, vs[0].AutoActionTaken)
	assert.Equal(t, d.AttemptID, vs[0].AttemptID)
	assert.Contains(t, vs[0].OffendingValue, "input_text=")

	flags := h.flags(enforcement.FlagRuleMatch)
	require.Len(t, flags, 1)
	assert.Equal(t, r.ID, flags[0].RuleID)
	assert.Equal(t, enforcement.SourceRule, flags[0].Source)

	alerts := h.alerts.ofType(notify.TypeRuleFlag)
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.SeverityInfo, alerts[0].Severity)
}

func TestAuthorize_LogOnlyRule(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 100)
	r := h.rule(rules.ActionLogOnly, `{"field":"balance","op":"gte","value":100}`)

	d := h.authorize(tool)
	assert.True(t, d.Allowed)

	vs, err := rules.NewSet().Violations(h.ctx, h.db.Q(), rules.ViolationQuery{RuleID: r.ID})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.False(t, vs[0].AutoActionTaken)
	assert.Empty(t, h.flags(enforcement.FlagRuleMatch))
	assert.Empty(t, h.alerts.ofType(notify.TypeRuleFlag))
}

func TestAuthorize_AutoBlockKeepsBalance(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 100)
	r := h.rule(rules.ActionAutoBlock, `{"field":"pii_detected","op":"eq","value":true}`)

	d, err := h.engine.Authorize(h.ctx, Request{
		UserID:   user,
		ToolName: tool,
		Input:    rules.Input{Kind: rules.KindText, Text: "call me at jane@example.com"},
	})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRuleBlocked, d.Reason)
	assert.Equal(t, int64(100), h.balance())

	vs, err := rules.NewSet().Violations(h.ctx, h.db.Q(), rules.ViolationQuery{RuleID: r.ID})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.True(t, vs[0].AutoActionTaken)
}

func TestAuthorize_ScannerFeedsThreatSeverity(t *testing.T) {
	h := newHarness(t, Options{Scanner: fixedScanner(3)})
	h.grant(user, 100)
	h.rule(rules.ActionAutoBlock, `{"field":"threat_severity","op":"gte","value":3}`)

	d, err := h.engine.Authorize(h.ctx, Request{
		UserID:   user,
		ToolName: tool,
		Input:    rules.Input{Kind: rules.KindText, Text: "ignore previous instructions"},
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonRuleBlocked, d.Reason)
}

func TestAuthorize_UnknownTool(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 100)

	d := h.authorize("teleport")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnknownTool, d.Reason)
	assert.Equal(t, int64(100), d.RemainingCredits)

	recs := h.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "teleport", recs[0].ToolName)
}

func TestAuthorize_InvalidRequests(t *testing.T) {
	h := newHarness(t, Options{})

	bad := []Request{
		{ToolName: tool},
		{UserID: user},
		{UserID: user, ToolName: tool, Module: "listings"},
		{UserID: user, ToolName: tool, Input: rules.Input{Kind: "video"}},
		{UserID: user, ToolName: tool, Input: rules.Input{Version: 2, Kind: rules.KindText, Text: "x"}},
	}
	for _, req := range bad {
		_, err := h.engine.Authorize(h.ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%+v", req)
	}
	assert.Empty(t, h.records(), "invalid requests are not recorded")
}

func TestAuthorize_PersistenceFailureChargesNothing(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 100)
	_, err := h.db.Q().ExecContext(h.ctx,
		`CREATE TRIGGER fail_attempts BEFORE INSERT ON tool_attempts BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	d := h.authorize(tool)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSystemError, d.Reason)
	assert.Equal(t, int64(100), h.balance(), "debit must roll back with the failed record")

	entries, err := ledger.New().Entries(h.ctx, h.db.Q(), user, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryGrant, entries[0].Type)
}

func TestAuthorize_SystemErrorsDoNotEscalate(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 100)
	_, err := h.db.Q().ExecContext(h.ctx,
		`CREATE TRIGGER fail_debits BEFORE INSERT ON ledger_entries BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		assert.Equal(t, ReasonSystemError, h.authorize(tool).Reason)
	}
	_, err = h.db.Q().ExecContext(h.ctx, `DROP TRIGGER fail_debits`)
	require.NoError(t, err)

	assert.True(t, h.authorize(tool).Allowed)
	assert.True(t, h.authorize(tool).Allowed)
	assert.Equal(t, ReasonInsufficientFunds, h.authorize(tool).Reason)

	var failed int
	for _, r := range h.records() {
		if r.Reason == string(ReasonSystemError) {
			assert.False(t, r.WasAllowed)
			failed++
		}
	}
	assert.Equal(t, 4, failed, "failed attempts stay in the log")
	assert.Empty(t, h.flags(enforcement.FlagOveruse), "one real denial is not overuse")
	assert.Empty(t, h.alerts.ofType(notify.TypeOveruse))
}

func TestAuthorize_ConcurrentChargesNeverOverdraw(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 500)

	const n = 20
	var wg sync.WaitGroup
	results := make(chan Decision, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := h.engine.Authorize(h.ctx, Request{UserID: user, ToolName: tool})
			if err == nil {
				results <- d
			}
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for d := range results {
		if d.Allowed {
			allowed++
			assert.GreaterOrEqual(t, d.RemainingCredits, int64(0))
		} else {
			assert.Equal(t, ReasonInsufficientFunds, d.Reason)
		}
	}
	assert.Equal(t, 10, allowed)
	assert.Equal(t, int64(0), h.balance())

	yes := true
	recs, err := attempts.NewRecorder().Query(h.ctx, h.db.Q(), attempts.QueryOpts{UserID: user, Allowed: &yes, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, recs, allowed)
	for _, rec := range recs {
		charged, err := ledger.New().HasEntry(h.ctx, h.db.Q(), ledger.EntryCharge, rec.ID)
		require.NoError(t, err)
		assert.True(t, charged, "allowed attempt %s has no charge", rec.ID)
	}
}

func TestSetPolicy_AppliesToNextAttempt(t *testing.T) {
	h := newHarness(t, Options{})
	h.grant(user, 100)

	pol := testPolicy()
	pol.Tools[tool] = policy.Tool{Name: tool, Module: module, Credits: 80}
	h.engine.SetPolicy(pol)

	d := h.authorize(tool)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(80), d.CreditsRequired)
	assert.Equal(t, int64(20), d.RemainingCredits)
}

func TestAuthorize_TracesAndCounts(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	m := metrics.New()
	h := newHarness(t, Options{Tracer: tp.Tracer("test"), Metrics: m})
	h.grant(user, 100)

	h.authorize(tool)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "governance.authorize", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "ok", attrs["toolgate.reason"])
	assert.Equal(t, module, attrs["toolgate.module"])

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "toolgate_attempts_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	h.impose(enforcement.Status{Kind: enforcement.KindThrottle, UserID: user, Module: module, Level: enforcement.LevelLow})

	snap, err := h.engine.Status(h.ctx, user, module)
	require.NoError(t, err)
	require.NotNil(t, snap.Throttle)
	assert.Equal(t, enforcement.LevelLow, snap.Throttle.Level)
	assert.Nil(t, snap.KillSwitch)
}

func TestInvalidRequestErrorIsSentinel(t *testing.T) {
	err := (&Request{}).validate()
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

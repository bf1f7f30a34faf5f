package rules

import (
	"context"
	"testing"
	"time"

	"github.com/oktsec/toolgate/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_CreateListToggle(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	clock := storetest.NewClock()
	s := NewSet().WithClock(clock.Now)

	created, err := s.Create(ctx, db.Q(), Rule{
		Name:         "expensive listings",
		TargetModule: "listings",
		Condition:    mustParse(t, `{"field":"listing_price","op":"gt","value":1000000}`),
		Action:       ActionAutoFlag,
		Enabled:      true,
		CreatedBy:    "admin-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := s.Get(ctx, db.Q(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
	assert.Equal(t, ActionAutoFlag, got.Action)
	assert.True(t, got.Enabled)
	assert.True(t, clock.Now().Equal(got.CreatedAt))

	changed, err := s.SetEnabled(ctx, db.Q(), created.ID, true)
	require.NoError(t, err)
	assert.False(t, changed, "already enabled")

	changed, err = s.SetEnabled(ctx, db.Q(), created.ID, false)
	require.NoError(t, err)
	assert.True(t, changed)

	enabled, err := s.List(ctx, db.Q(), ListOpts{EnabledOnly: true})
	require.NoError(t, err)
	assert.Empty(t, enabled)

	all, err := s.List(ctx, db.Q(), ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSet_CreateRejectsInvalid(t *testing.T) {
	db := storetest.Open(t)
	s := NewSet()
	ctx := context.Background()

	_, err := s.Create(ctx, db.Q(), Rule{TargetModule: "m", Action: "explode", Condition: mustParse(t, `{"field":"balance","op":"gt","value":1}`)})
	assert.ErrorIs(t, err, ErrInvalidCondition)

	_, err = s.Create(ctx, db.Q(), Rule{TargetModule: "m", Action: ActionLogOnly, Condition: &Condition{Field: "balance", Op: "gt", Value: "x"}})
	assert.ErrorIs(t, err, ErrInvalidCondition)

	_, err = s.Create(ctx, db.Q(), Rule{Action: ActionLogOnly, Condition: mustParse(t, `{"field":"balance","op":"gt","value":1}`)})
	assert.ErrorIs(t, err, ErrInvalidCondition)
}

func TestSet_GetMissing(t *testing.T) {
	db := storetest.Open(t)
	_, err := NewSet().Get(context.Background(), db.Q(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewSet().SetEnabled(context.Background(), db.Q(), "nope", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSet_EvaluateSkipsDisabledAndOtherModules(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	s := NewSet()

	cond := mustParse(t, `{"field":"tool_name","op":"eq","value":"price_estimate"}`)
	mk := func(module string, enabled bool) Rule {
		r, err := s.Create(ctx, db.Q(), Rule{TargetModule: module, Condition: cond, Action: ActionLogOnly, Enabled: enabled, CreatedBy: "a"})
		require.NoError(t, err)
		return r
	}
	own := mk("valuation", true)
	global := mk(AllModules, true)
	mk("valuation", false)
	mk("listings", true)

	results, err := s.Evaluate(ctx, db.Q(), "valuation", AttemptContext{ToolName: "price_estimate"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	ids := map[string]bool{}
	for _, r := range results {
		ids[r.Rule.ID] = true
		assert.True(t, r.Matched)
		assert.Equal(t, "tool_name=price_estimate", r.OffendingValue)
	}
	assert.True(t, ids[own.ID])
	assert.True(t, ids[global.ID])
}

func TestSet_RecordViolationOncePerAttempt(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	s := NewSet()

	v := Violation{RuleID: "r1", AttemptID: "a1", UserID: "u1", ToolName: "t", OffendingValue: "balance=0", AutoActionTaken: true}
	_, err := s.RecordViolation(ctx, db.Q(), v)
	require.NoError(t, err)
	_, err = s.RecordViolation(ctx, db.Q(), v)
	require.NoError(t, err)

	got, err := s.Violations(ctx, db.Q(), ViolationQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].AutoActionTaken)
	assert.Equal(t, "balance=0", got[0].OffendingValue)

	none, err := s.Violations(ctx, db.Q(), ViolationQuery{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

package rules

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) *Condition {
	t.Helper()
	c, err := ParseCondition([]byte(src))
	require.NoError(t, err)
	return c
}

func TestParseCondition_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown field", `{"field":"colour","op":"eq","value":"red"}`},
		{"op not valid for number", `{"field":"balance","op":"contains","value":"1"}`},
		{"op not valid for bool", `{"field":"pii_detected","op":"gt","value":true}`},
		{"type mismatch", `{"field":"balance","op":"gt","value":"10"}`},
		{"two shapes", `{"all":[{"field":"balance","op":"gt","value":1}],"field":"module","op":"eq","value":"x"}`},
		{"empty group", `{"any":[]}`},
		{"bad regex", `{"field":"input_text","op":"matches","value":"("}`},
		{"in needs list", `{"field":"tool_name","op":"in","value":"a"}`},
		{"mixed list", `{"field":"tool_name","op":"in","value":["a",1]}`},
		{"unknown key", `{"field":"module","op":"eq","value":"x","extra":1}`},
		{"empty node", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCondition([]byte(tt.src))
			assert.ErrorIs(t, err, ErrInvalidCondition)
		})
	}
}

func TestCondition_Eval(t *testing.T) {
	ac := AttemptContext{
		ToolName:        "describe_listing",
		UserID:          "u1",
		Module:          "listings",
		Input:           Input{Kind: KindListing, Listing: &Listing{ListingID: "L1", Price: 2500000, Description: "Call me at +1 555 123 4567"}},
		RecentAttempts:  12,
		RecentDenials:   3,
		ThreatSeverity:  2,
		CreditsRequired: 50,
		Balance:         40,
	}

	tests := []struct {
		name      string
		src       string
		want      bool
		offending string
	}{
		{"string eq", `{"field":"tool_name","op":"eq","value":"describe_listing"}`, true, "tool_name=describe_listing"},
		{"string neq", `{"field":"module","op":"neq","value":"listings"}`, false, ""},
		{"contains ignores case", `{"field":"input_text","op":"contains","value":"CALL ME"}`, true, "input_text=Call me at +1 555 123 4567"},
		{"matches", `{"field":"user_id","op":"matches","value":"^u[0-9]+$"}`, true, "user_id=u1"},
		{"string in", `{"field":"tool_name","op":"in","value":["x","describe_listing"]}`, true, "tool_name=describe_listing"},
		{"number gt", `{"field":"listing_price","op":"gt","value":1000000}`, true, "listing_price=2500000"},
		{"number lte", `{"field":"recent_denials","op":"lte","value":2}`, false, ""},
		{"number in", `{"field":"threat_severity","op":"in","value":[2,3]}`, true, "threat_severity=2"},
		{"bool", `{"field":"pii_detected","op":"eq","value":true}`, true, "pii_detected=true"},
		{"input kind", `{"field":"input_kind","op":"eq","value":"listing"}`, true, "input_kind=listing"},
		{"all reports first leaf", `{"all":[{"field":"balance","op":"lt","value":50},{"field":"recent_attempts","op":"gte","value":10}]}`, true, "balance=40"},
		{"all fails", `{"all":[{"field":"balance","op":"lt","value":50},{"field":"recent_attempts","op":"gt","value":100}]}`, false, ""},
		{"any", `{"any":[{"field":"balance","op":"gt","value":500},{"field":"credits_required","op":"eq","value":50}]}`, true, "credits_required=50"},
		{"not reports the negated leaf", `{"not":{"field":"module","op":"eq","value":"media"}}`, true, "module=listings"},
		{"not fails", `{"not":{"field":"module","op":"eq","value":"listings"}}`, false, ""},
		{"not any", `{"not":{"any":[{"field":"balance","op":"gt","value":500},{"field":"module","op":"eq","value":"media"}]}}`, true, "balance=40"},
		{"not all reports the failing leaf", `{"not":{"all":[{"field":"balance","op":"lt","value":50},{"field":"threat_severity","op":"gte","value":3}]}}`, true, "threat_severity=2"},
		{"double not", `{"not":{"not":{"field":"user_id","op":"eq","value":"u1"}}}`, true, "user_id=u1"},
		{"not inside all", `{"all":[{"not":{"field":"input_kind","op":"eq","value":"media"}},{"field":"balance","op":"lt","value":50}]}`, true, "input_kind=listing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mustParse(t, tt.src)
			got, off := c.Eval(ac)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.offending, off)
		})
	}
}

func TestCondition_EvalTruncatesOnRuneBoundary(t *testing.T) {
	text := "a" + strings.Repeat("é", 150) + " flat"
	ac := AttemptContext{Input: Input{Kind: KindText, Text: text}}

	ok, off := mustParse(t, `{"field":"input_text","op":"contains","value":"flat"}`).Eval(ac)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(off), "offending value must stay valid UTF-8")
	assert.True(t, strings.HasSuffix(off, "..."))
	assert.LessOrEqual(t, len(off), len("input_text=")+200+len("..."))
	assert.True(t, strings.HasPrefix(text, strings.TrimSuffix(strings.TrimPrefix(off, "input_text="), "...")))

	ok, off = mustParse(t, `{"not":{"field":"input_text","op":"contains","value":"garage"}}`).Eval(ac)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(off))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	assert.Equal(t, "a...", truncate("aéé", 2), "never splits a rune")
	assert.Equal(t, "aé...", truncate("aéé", 3))
	assert.Equal(t, "...", truncate("日本", 2))
}

func TestInput_Validate(t *testing.T) {
	ok := []Input{
		{},
		{Kind: KindText, Text: "hello"},
		{Version: 1, Kind: KindListing, Listing: &Listing{ListingID: "L1", Price: 10}},
		{Kind: KindMedia, Media: &Media{URL: "https://cdn.example.com/a.jpg", Bytes: 2048}},
	}
	for _, in := range ok {
		in := in
		require.NoError(t, in.Validate())
		assert.Equal(t, InputVersion, in.Version)
	}

	bad := []Input{
		{Version: 2, Kind: KindText, Text: "x"},
		{Text: "no kind"},
		{Kind: KindListing},
		{Kind: KindListing, Listing: &Listing{Price: -1}},
		{Kind: KindText, Text: "x", Media: &Media{URL: "u"}},
		{Kind: KindMedia, Media: &Media{URL: "u", Bytes: -3}},
		{Kind: "audio"},
	}
	for _, in := range bad {
		in := in
		assert.ErrorIs(t, in.Validate(), ErrInvalidInput, "%+v", in)
	}
}

func TestDetectPII(t *testing.T) {
	assert.True(t, DetectPII("reach me at jane.doe@example.com"))
	assert.True(t, DetectPII("phone: +34 600-123-456"))
	assert.False(t, DetectPII("three bedroom flat near the park"))
}

// Package scan runs the Aguara content scanner over free-text tool inputs
// and grades the result so rule conditions can test threat_severity.
package scan

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/garagon/aguara"
)

// Threat severity grades, comparable in rule conditions.
const (
	SeverityNone     = 0
	SeverityLow      = 1
	SeverityMedium   = 2
	SeverityHigh     = 3
	SeverityCritical = 4
)

// Finding is a simplified scanner finding.
type Finding struct {
	RuleID   string `json:"rule_id"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Match    string `json:"match,omitempty"`
}

// Outcome is the graded result of one scan.
type Outcome struct {
	Severity int       `json:"severity"`
	Findings []Finding `json:"findings,omitempty"`
}

// Scanner wraps the Aguara engine for in-process scanning.
type Scanner struct {
	opts []aguara.Option
}

// New creates a scanner with Aguara's built-in rules, plus the rules in
// customRulesDir when it is set.
func New(customRulesDir string, extraOpts ...aguara.Option) *Scanner {
	s := &Scanner{}
	if customRulesDir != "" {
		s.opts = append(s.opts, aguara.WithCustomRules(customRulesDir))
	}
	s.opts = append(s.opts, extraOpts...)
	return s
}

// Scan grades content by its most severe finding.
func (s *Scanner) Scan(ctx context.Context, content string) (*Outcome, error) {
	out := &Outcome{Severity: SeverityNone}
	if strings.TrimSpace(content) == "" {
		return out, nil
	}
	result, err := aguara.ScanContent(ctx, content, "input.md", s.opts...)
	if err != nil {
		return nil, fmt.Errorf("aguara scan: %w", err)
	}

	for _, f := range result.Findings {
		out.Findings = append(out.Findings, Finding{
			RuleID:   f.RuleID,
			Name:     f.RuleName,
			Severity: f.Severity.String(),
			Match:    truncate(f.MatchedText, 200),
		})

		grade := SeverityLow
		switch {
		case f.Severity >= aguara.SeverityCritical:
			grade = SeverityCritical
		case f.Severity >= aguara.SeverityHigh:
			grade = SeverityHigh
		case f.Severity >= aguara.SeverityMedium:
			grade = SeverityMedium
		}
		if grade > out.Severity {
			out.Severity = grade
		}
	}
	return out, nil
}

// ThreatSeverity returns only the grade.
func (s *Scanner) ThreatSeverity(ctx context.Context, content string) (int, error) {
	out, err := s.Scan(ctx, content)
	if err != nil {
		return 0, err
	}
	return out.Severity, nil
}

// RulesCount returns the number of loaded rules.
func (s *Scanner) RulesCount(ctx context.Context) int {
	result, err := aguara.ScanContent(ctx, "test", "test.md", s.opts...)
	if err != nil {
		return 0
	}
	return result.RulesLoaded
}

// ListRules returns metadata for all loaded rules.
func (s *Scanner) ListRules() []aguara.RuleInfo {
	return aguara.ListRules(s.opts...)
}

// truncate cuts s to at most maxLen bytes on a rune boundary.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}

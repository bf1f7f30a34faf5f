// Package auditcheck grades a toolgate config for risky or ineffective
// settings. The check command and the status summary both use it.
package auditcheck

import (
	"fmt"

	"github.com/oktsec/toolgate/internal/config"
)

// Severity ranks a finding. Higher is worse.
type Severity int

const (
	Info Severity = iota
	Low
	Medium
	High
	Critical
)

var severityNames = [...]string{"INFO", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

// Severities lists every level, worst first.
var Severities = []Severity{Critical, High, Medium, Low, Info}

func (s Severity) String() string {
	if s < Info || s > Critical {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// MarshalText renders the severity by name in JSON reports.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name written by MarshalText.
func (s *Severity) UnmarshalText(b []byte) error {
	for i, name := range severityNames {
		if name == string(b) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", b)
}

// Finding is one problem with the config.
type Finding struct {
	Severity    Severity `json:"severity"`
	CheckID     string   `json:"check_id"`
	Title       string   `json:"title"`
	Detail      string   `json:"detail"`
	ConfigPath  string   `json:"config_path,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
}

// Summary counts findings per severity.
type Summary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

type checkFunc func(*config.Config) []Finding

var checks = []checkFunc{
	checkNetworkExposure,
	checkNoTools,
	checkFreeTools,
	checkThrottleOrder,
	checkFlagOnlyEscalation,
	checkDedupWindow,
	checkNoAlertSinks,
	checkPlainWebhooks,
	checkScannerDisabled,
	checkSQLiteWithRedis,
	checkDatabaseFile,
	checkGatewayBackends,
	checkGatewayNoRefund,
	checkTracingDisabled,
}

// RunChecks executes every check against cfg. configPath is stamped on the
// findings so they point at the file to edit.
func RunChecks(cfg *config.Config, configPath string) []Finding {
	var findings []Finding
	for _, check := range checks {
		findings = append(findings, check(cfg)...)
	}
	for i := range findings {
		if findings[i].ConfigPath == "" {
			findings[i].ConfigPath = configPath
		}
	}
	return findings
}

// penalty is what each finding costs the health score.
var penalty = map[Severity]int{Critical: 25, High: 15, Medium: 5, Low: 2}

// ComputeHealthScore turns findings into a 0-100 score and a letter grade.
func ComputeHealthScore(findings []Finding) (int, string) {
	score := 100
	for _, f := range findings {
		score -= penalty[f.Severity]
	}
	score = max(score, 0)

	switch {
	case score >= 90:
		return score, "A"
	case score >= 75:
		return score, "B"
	case score >= 60:
		return score, "C"
	case score >= 40:
		return score, "D"
	default:
		return score, "F"
	}
}

// Summarize counts findings by severity.
func Summarize(findings []Finding) Summary {
	var s Summary
	for _, f := range findings {
		switch f.Severity {
		case Critical:
			s.Critical++
		case High:
			s.High++
		case Medium:
			s.Medium++
		case Low:
			s.Low++
		case Info:
			s.Info++
		}
	}
	return s
}

// Failing reports whether any finding should fail a CI gate.
func (s Summary) Failing() bool {
	return s.Critical > 0 || s.High > 0
}

package auditcheck

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/toolgate/internal/config"
)

func secureBaseline(t *testing.T) *config.Config {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "toolgate.db")
	require.NoError(t, os.WriteFile(dsn, []byte("data"), 0o600))

	cfg := config.Defaults()
	cfg.Database.DSN = dsn
	cfg.Tools = map[string]config.Tool{
		"price_estimate": {Module: "valuation", Credits: 50},
	}
	cfg.Abuse.CooldownMinutes = 15
	cfg.Webhooks = []config.Webhook{{URL: "https://hooks.example.com/toolgate"}}
	cfg.Scanner.Enabled = true
	cfg.Telemetry.Tracing = true
	return cfg
}

func assertHasCheck(t *testing.T, findings []Finding, checkID string, severity Severity) {
	t.Helper()
	for _, f := range findings {
		if f.CheckID == checkID {
			assert.Equal(t, severity, f.Severity, "check %s has wrong severity", checkID)
			return
		}
	}
	t.Errorf("expected finding %s not found in %d findings", checkID, len(findings))
}

func assertNoCheck(t *testing.T, findings []Finding, checkID string) {
	t.Helper()
	for _, f := range findings {
		if f.CheckID == checkID {
			t.Errorf("unexpected finding %s: %s", checkID, f.Title)
			return
		}
	}
}

func TestRunChecks_SecureConfig(t *testing.T) {
	findings := RunChecks(secureBaseline(t), "toolgate.yaml")
	for _, f := range findings {
		assert.LessOrEqual(t, f.Severity, Info, "unexpected finding: [%s] %s: %s", f.CheckID, f.Title, f.Detail)
	}
	assertHasCheck(t, findings, "DB-002", Info)
	score, grade := ComputeHealthScore(findings)
	assert.Equal(t, 100, score)
	assert.Equal(t, "A", grade)
}

func TestCheckNetworkExposure(t *testing.T) {
	cfg := secureBaseline(t)
	cfg.Server.Bind = "0.0.0.0"
	assertHasCheck(t, RunChecks(cfg, ""), "NET-001", Critical)
}

func TestCheckCostTable(t *testing.T) {
	cfg := secureBaseline(t)
	cfg.Tools = map[string]config.Tool{}
	findings := RunChecks(cfg, "")
	assertHasCheck(t, findings, "CST-001", High)
	assertNoCheck(t, findings, "CST-002")

	cfg.Tools = map[string]config.Tool{
		"b_free": {Module: "m"},
		"a_free": {Module: "m"},
		"paid":   {Module: "m", Credits: 3},
	}
	findings = checkFreeTools(cfg)
	require.Len(t, findings, 1)
	assert.Equal(t, "2 tools cost nothing", findings[0].Title)
	assert.Contains(t, findings[0].Detail, "a_free, b_free")
}

func TestCheckThrottleOrder(t *testing.T) {
	cfg := secureBaseline(t)
	cfg.Throttle.Medium = 3
	assertHasCheck(t, RunChecks(cfg, ""), "THR-001", Medium)
}

func TestCheckAbuseTuning(t *testing.T) {
	cfg := secureBaseline(t)
	cfg.Abuse.CooldownMinutes = 0
	cfg.Abuse.DedupWindowMinutes = 2
	findings := RunChecks(cfg, "")
	assertHasCheck(t, findings, "ABU-001", Info)
	assertHasCheck(t, findings, "ABU-002", Low)
}

func TestCheckAlerting(t *testing.T) {
	cfg := secureBaseline(t)
	cfg.Webhooks = nil
	assertHasCheck(t, RunChecks(cfg, ""), "MON-001", Medium)

	cfg.Redis.AlertChannel = "toolgate:alerts"
	assertNoCheck(t, RunChecks(cfg, ""), "MON-001")

	cfg.Webhooks = []config.Webhook{
		{URL: "http://hooks.example.com/a"},
		{URL: "http://127.0.0.1:9000/a"},
	}
	findings := checkPlainWebhooks(cfg)
	require.Len(t, findings, 1)
	assert.Equal(t, "Webhook 0 is not HTTPS", findings[0].Title)
}

func TestCheckScannerDisabled(t *testing.T) {
	cfg := secureBaseline(t)
	cfg.Scanner.Enabled = false
	assertHasCheck(t, RunChecks(cfg, ""), "SCN-001", Low)
}

func TestCheckDatabase(t *testing.T) {
	cfg := secureBaseline(t)
	cfg.Redis.Addr = "localhost:6379"
	assertHasCheck(t, RunChecks(cfg, ""), "DB-001", Medium)

	cfg = secureBaseline(t)
	require.NoError(t, os.Chmod(cfg.Database.DSN, 0o666))
	assertHasCheck(t, RunChecks(cfg, ""), "DB-003", Medium)

	cfg.Database.DSN = filepath.Join(t.TempDir(), "missing.db")
	findings := checkDatabaseFile(cfg)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Title, "not created")

	cfg.Database.Driver = "postgres"
	assert.Empty(t, checkDatabaseFile(cfg))
}

func TestCheckGateway(t *testing.T) {
	cfg := secureBaseline(t)
	cfg.Gateway.RefundOnError = false
	cfg.Gateway.Backends = map[string]config.Backend{
		"local":  {Transport: "http", URL: "http://localhost:3001/mcp"},
		"remote": {Transport: "http", URL: "http://tools.example.com/mcp"},
		"cli":    {Transport: "stdio", Command: "search-mcp"},
	}
	findings := RunChecks(cfg, "")
	assertHasCheck(t, findings, "GW-001", Medium)
	assertHasCheck(t, findings, "GW-002", Info)

	gw := checkGatewayBackends(cfg)
	require.Len(t, gw, 1)
	assert.Contains(t, gw[0].Title, `"remote"`)
}

func TestFindingRemediationAndPath(t *testing.T) {
	cfg := secureBaseline(t)
	cfg.Server.Bind = "0.0.0.0"
	cfg.Tools = map[string]config.Tool{"free": {Module: "m"}}
	cfg.Throttle.Low = 4
	cfg.Webhooks = nil
	cfg.Scanner.Enabled = false
	cfg.Redis.Addr = "localhost:6379"

	for _, f := range RunChecks(cfg, "/etc/toolgate.yaml") {
		assert.Equal(t, "/etc/toolgate.yaml", f.ConfigPath, f.CheckID)
		if f.Severity == Info {
			continue
		}
		assert.NotEmpty(t, f.Remediation, "check %s (%s) should have remediation", f.CheckID, f.Title)
	}
}

func TestComputeHealthScore_GradeBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		findings []Finding
		score    int
		grade    string
	}{
		{"perfect", nil, 100, "A"},
		{"info only", []Finding{{Severity: Info}}, 100, "A"},
		{"one medium", []Finding{{Severity: Medium}}, 95, "A"},
		{"two medium", []Finding{{Severity: Medium}, {Severity: Medium}}, 90, "A"},
		{"one high", []Finding{{Severity: High}}, 85, "B"},
		{"one critical", []Finding{{Severity: Critical}}, 75, "B"},
		{"crit+high", []Finding{{Severity: Critical}, {Severity: High}}, 60, "C"},
		{"two crit", []Finding{{Severity: Critical}, {Severity: Critical}}, 50, "D"},
		{"three crit", []Finding{{Severity: Critical}, {Severity: Critical}, {Severity: Critical}}, 25, "F"},
		{"floor", []Finding{{Severity: Critical}, {Severity: Critical}, {Severity: Critical}, {Severity: Critical}, {Severity: Critical}}, 0, "F"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, grade := ComputeHealthScore(tt.findings)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.grade, grade)
		})
	}
}

func TestSummarize(t *testing.T) {
	findings := []Finding{
		{Severity: Critical},
		{Severity: Critical},
		{Severity: High},
		{Severity: Medium},
		{Severity: Medium},
		{Severity: Medium},
		{Severity: Info},
	}
	s := Summarize(findings)
	assert.Equal(t, 2, s.Critical)
	assert.Equal(t, 1, s.High)
	assert.Equal(t, 3, s.Medium)
	assert.Equal(t, 0, s.Low)
	assert.Equal(t, 1, s.Info)
	assert.True(t, s.Failing())
	assert.False(t, Summarize([]Finding{{Severity: Medium}, {Severity: Low}}).Failing())
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "CRITICAL", Critical.String())
	assert.Equal(t, "INFO", Info.String())
	assert.Equal(t, "UNKNOWN", Severity(42).String())
	assert.Equal(t, "UNKNOWN", Severity(-1).String())
}

func TestSeverityJSON(t *testing.T) {
	data, err := json.Marshal(Finding{Severity: High, CheckID: "NET-001"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity":"HIGH"`)

	var f Finding
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, High, f.Severity)

	assert.Error(t, json.Unmarshal([]byte(`{"severity":"SEVERE"}`), &f))
}

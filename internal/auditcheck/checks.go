package auditcheck

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/oktsec/toolgate/internal/config"
)

func checkNetworkExposure(cfg *config.Config) []Finding {
	bind := cfg.Server.Bind
	if bind == "0.0.0.0" || bind == "::" {
		return []Finding{{
			Severity:    Critical,
			CheckID:     "NET-001",
			Title:       "API exposed to all network interfaces",
			Detail:      fmt.Sprintf("server.bind is %q. Admin routes trust the X-Actor-* headers, so any host that reaches the port can grant credits. Bind to loopback and front it with your authentication layer.", bind),
			Remediation: `Set server.bind: "127.0.0.1"`,
		}}
	}
	return nil
}

func checkNoTools(cfg *config.Config) []Finding {
	if len(cfg.Tools) == 0 {
		return []Finding{{
			Severity:    High,
			CheckID:     "CST-001",
			Title:       "Cost table is empty",
			Detail:      "Every attempt is denied as unknown_tool until tools are priced.",
			Remediation: "Add entries under tools: or run toolgate init",
		}}
	}
	return nil
}

func checkFreeTools(cfg *config.Config) []Finding {
	var free []string
	for name, t := range cfg.Tools {
		if t.Credits == 0 {
			free = append(free, name)
		}
	}
	if len(free) == 0 {
		return nil
	}
	sort.Strings(free)
	return []Finding{{
		Severity:    Low,
		CheckID:     "CST-002",
		Title:       fmt.Sprintf("%d tools cost nothing", len(free)),
		Detail:      fmt.Sprintf("%s charge 0 credits. Throttling cannot raise a zero cost; only cooldowns and rules limit them.", strings.Join(free, ", ")),
		Remediation: "Give the tools a credit cost",
	}}
}

func checkThrottleOrder(cfg *config.Config) []Finding {
	t := cfg.Throttle
	if t.Low <= t.Medium && t.Medium <= t.High {
		return nil
	}
	return []Finding{{
		Severity:    Medium,
		CheckID:     "THR-001",
		Title:       "Throttle multipliers are not increasing",
		Detail:      fmt.Sprintf("low=%.2f medium=%.2f high=%.2f. A higher level should never be cheaper.", t.Low, t.Medium, t.High),
		Remediation: "Order throttle multipliers low <= medium <= high",
	}}
}

func checkFlagOnlyEscalation(cfg *config.Config) []Finding {
	if cfg.Abuse.CooldownMinutes > 0 {
		return nil
	}
	return []Finding{{
		Severity: Info,
		CheckID:  "ABU-001",
		Title:    "Overuse only raises flags",
		Detail:   "abuse.cooldown_minutes is 0, so the detector flags users for review without imposing a cooldown.",
	}}
}

func checkDedupWindow(cfg *config.Config) []Finding {
	if cfg.Abuse.DedupWindowMinutes >= cfg.Abuse.WindowMinutes {
		return nil
	}
	return []Finding{{
		Severity:    Low,
		CheckID:     "ABU-002",
		Title:       "Escalation de-dup window is shorter than the detection window",
		Detail:      fmt.Sprintf("dedup_window_minutes=%d < window_minutes=%d. One burst can raise several flags.", cfg.Abuse.DedupWindowMinutes, cfg.Abuse.WindowMinutes),
		Remediation: fmt.Sprintf("Set abuse.dedup_window_minutes: %d", cfg.Abuse.WindowMinutes),
	}}
}

func checkNoAlertSinks(cfg *config.Config) []Finding {
	if len(cfg.Webhooks) > 0 || cfg.PubSub.Project != "" || cfg.Redis.AlertChannel != "" {
		return nil
	}
	return []Finding{{
		Severity:    Medium,
		CheckID:     "MON-001",
		Title:       "No alert destinations",
		Detail:      "Overuse escalations and auto_flag violations are only logged. Configure a webhook, Pub/Sub topic or Redis channel.",
		Remediation: "Add a webhooks: entry",
	}}
}

func checkPlainWebhooks(cfg *config.Config) []Finding {
	var findings []Finding
	for i, wh := range cfg.Webhooks {
		u, err := url.Parse(wh.URL)
		if err != nil || u.Scheme == "https" || isLoopback(u.Hostname()) {
			continue
		}
		findings = append(findings, Finding{
			Severity:    Medium,
			CheckID:     "MON-002",
			Title:       fmt.Sprintf("Webhook %d is not HTTPS", i),
			Detail:      fmt.Sprintf("%s carries user ids in clear text.", wh.URL),
			Remediation: "Use an https:// webhook URL",
		})
	}
	return findings
}

func checkScannerDisabled(cfg *config.Config) []Finding {
	if cfg.Scanner.Enabled {
		return nil
	}
	return []Finding{{
		Severity:    Low,
		CheckID:     "SCN-001",
		Title:       "Content scanner disabled",
		Detail:      "threat_severity is always 0, so rules on it never match.",
		Remediation: "Set scanner.enabled: true",
	}}
}

func checkSQLiteWithRedis(cfg *config.Config) []Finding {
	if cfg.Database.Driver != "sqlite" || cfg.Redis.Addr == "" {
		return nil
	}
	return []Finding{{
		Severity:    Medium,
		CheckID:     "DB-001",
		Title:       "Redis configured over a SQLite store",
		Detail:      "Redis de-dups escalations across processes, but a SQLite file cannot be shared safely between hosts.",
		Remediation: "Set database.driver: postgres for multi-process deployments",
	}}
}

func checkDatabaseFile(cfg *config.Config) []Finding {
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN == ":memory:" {
		return nil
	}
	info, err := os.Stat(cfg.Database.DSN)
	if err != nil {
		return []Finding{{
			Severity: Info,
			CheckID:  "DB-002",
			Title:    "Database not created yet",
			Detail:   fmt.Sprintf("No SQLite file at %s. It is created on first use.", cfg.Database.DSN),
		}}
	}
	if mode := info.Mode().Perm(); mode&0o007 != 0 {
		return []Finding{{
			Severity:    Medium,
			CheckID:     "DB-003",
			Title:       "Database file is world accessible",
			Detail:      fmt.Sprintf("%s has mode %04o. The ledger and audit log live in it.", cfg.Database.DSN, mode),
			Remediation: fmt.Sprintf("chmod 600 %s", cfg.Database.DSN),
		}}
	}
	return []Finding{{
		Severity: Info,
		CheckID:  "DB-002",
		Title:    "Database present",
		Detail:   fmt.Sprintf("%s exists (%.1f MB).", cfg.Database.DSN, float64(info.Size())/(1024*1024)),
	}}
}

func checkGatewayBackends(cfg *config.Config) []Finding {
	var names []string
	for name := range cfg.Gateway.Backends {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []Finding
	for _, name := range names {
		b := cfg.Gateway.Backends[name]
		if b.Transport != "http" {
			continue
		}
		u, err := url.Parse(b.URL)
		if err != nil || u.Scheme == "https" || isLoopback(u.Hostname()) {
			continue
		}
		findings = append(findings, Finding{
			Severity:    Medium,
			CheckID:     "GW-001",
			Title:       fmt.Sprintf("Gateway backend %q is reached over plain HTTP", name),
			Detail:      fmt.Sprintf("%s is not loopback. Tool arguments travel unencrypted.", b.URL),
			Remediation: "Use an https:// backend URL",
		})
	}
	return findings
}

func checkGatewayNoRefund(cfg *config.Config) []Finding {
	if len(cfg.Gateway.Backends) == 0 || cfg.Gateway.RefundOnError {
		return nil
	}
	return []Finding{{
		Severity: Info,
		CheckID:  "GW-002",
		Title:    "Failed gateway calls are not refunded",
		Detail:   "gateway.refund_on_error is false. Users pay for calls the backend failed.",
	}}
}

func checkTracingDisabled(cfg *config.Config) []Finding {
	if cfg.Telemetry.Tracing {
		return nil
	}
	return []Finding{{
		Severity: Info,
		CheckID:  "TEL-001",
		Title:    "Tracing disabled",
		Detail:   "Authorization spans are not exported.",
	}}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

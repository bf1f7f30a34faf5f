package policy

import (
	"testing"
	"time"

	"github.com/oktsec/toolgate/internal/config"
	"github.com/oktsec/toolgate/internal/enforcement"
)

func TestFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Tools["price_estimate"] = config.Tool{Module: "valuation", Credits: 50}
	cfg.Abuse.Threshold = 3
	cfg.Abuse.CooldownMinutes = 15

	p := FromConfig(cfg)
	tool, ok := p.Lookup("price_estimate")
	if !ok || tool.Module != "valuation" || tool.Credits != 50 || tool.Name != "price_estimate" {
		t.Errorf("lookup = %+v, %v", tool, ok)
	}
	if _, ok := p.Lookup("missing"); ok {
		t.Error("unknown tool should not resolve")
	}
	if p.Detector.Threshold != 3 || p.Detector.Window != 10*time.Minute {
		t.Errorf("detector = %+v", p.Detector)
	}
	if p.DedupWindow != 10*time.Minute {
		t.Errorf("dedup window = %v", p.DedupWindow)
	}
	if p.EscalationCooldown != 15*time.Minute {
		t.Errorf("escalation cooldown = %v", p.EscalationCooldown)
	}
	if p.PersistTimeout != 2*time.Second {
		t.Errorf("persist timeout = %v", p.PersistTimeout)
	}
}

func TestCost(t *testing.T) {
	p := Normalize(Policy{})
	tests := []struct {
		base  int64
		level enforcement.Level
		want  int64
	}{
		{50, "", 50},
		{50, enforcement.LevelLow, 63}, // 62.5 rounds up
		{50, enforcement.LevelMedium, 75},
		{50, enforcement.LevelHigh, 100},
		{0, enforcement.LevelHigh, 0},
		{7, enforcement.LevelMedium, 11},
	}
	for _, tt := range tests {
		if got := p.Cost(tt.base, tt.level); got != tt.want {
			t.Errorf("Cost(%d, %q) = %d, want %d", tt.base, tt.level, got, tt.want)
		}
	}
}

func TestNormalize_Defaults(t *testing.T) {
	p := Normalize(Policy{
		Tools:       map[string]Tool{"a": {Module: "m", Credits: 1}},
		Multipliers: map[enforcement.Level]float64{enforcement.LevelHigh: 3},
	})
	if p.Tools["a"].Name != "a" {
		t.Errorf("tool name not filled: %+v", p.Tools["a"])
	}
	if p.Multipliers[enforcement.LevelHigh] != 3 || p.Multipliers[enforcement.LevelLow] != 1.25 {
		t.Errorf("multipliers = %v", p.Multipliers)
	}
	if p.Detector.Threshold != 5 || p.DedupWindow != 10*time.Minute || p.PersistTimeout != DefaultPersistTimeout {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestToolNamesSorted(t *testing.T) {
	p := Normalize(Policy{Tools: map[string]Tool{"b": {}, "a": {}, "c": {}}})
	got := p.ToolNames()
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("names = %v", got)
	}
}

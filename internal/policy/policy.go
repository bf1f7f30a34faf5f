// Package policy holds the tunables the governance engine reads on every
// attempt: the per-tool credit cost table, throttle multipliers and the
// overuse detector settings. A Policy is immutable once built; reloads
// swap in a new one.
package policy

import (
	"math"
	"sort"
	"time"

	"github.com/oktsec/toolgate/internal/abuse"
	"github.com/oktsec/toolgate/internal/config"
	"github.com/oktsec/toolgate/internal/enforcement"
)

// DefaultPersistTimeout bounds each persistence step when none is set.
const DefaultPersistTimeout = 2 * time.Second

// Tool is one entry of the cost table.
type Tool struct {
	Name    string `json:"name"`
	Module  string `json:"module"`
	Credits int64  `json:"credits"`
}

// Policy is a snapshot of engine configuration.
type Policy struct {
	Tools              map[string]Tool
	Multipliers        map[enforcement.Level]float64
	Detector           abuse.Detector
	DedupWindow        time.Duration
	EscalationCooldown time.Duration
	PersistTimeout     time.Duration
}

// FromConfig builds a Policy from a loaded config.
func FromConfig(cfg *config.Config) *Policy {
	p := &Policy{
		Tools: make(map[string]Tool, len(cfg.Tools)),
		Multipliers: map[enforcement.Level]float64{
			enforcement.LevelLow:    cfg.Throttle.Low,
			enforcement.LevelMedium: cfg.Throttle.Medium,
			enforcement.LevelHigh:   cfg.Throttle.High,
		},
		Detector:           abuse.NewDetector(cfg.Abuse.Threshold, cfg.AbuseWindow()),
		DedupWindow:        cfg.DedupWindow(),
		EscalationCooldown: cfg.EscalationCooldown(),
		PersistTimeout:     cfg.PersistTimeout(),
	}
	for name, t := range cfg.Tools {
		p.Tools[name] = Tool{Name: name, Module: t.Module, Credits: t.Credits}
	}
	p.fill()
	return p
}

// fill applies defaults to zero values.
func (p *Policy) fill() {
	if p.Tools == nil {
		p.Tools = map[string]Tool{}
	}
	if p.Multipliers == nil {
		p.Multipliers = map[enforcement.Level]float64{}
	}
	for lvl, def := range map[enforcement.Level]float64{
		enforcement.LevelLow:    1.25,
		enforcement.LevelMedium: 1.5,
		enforcement.LevelHigh:   2.0,
	} {
		if p.Multipliers[lvl] < 1 {
			p.Multipliers[lvl] = def
		}
	}
	if p.Detector.Threshold <= 0 || p.Detector.Window <= 0 {
		p.Detector = abuse.NewDetector(p.Detector.Threshold, p.Detector.Window)
	}
	if p.DedupWindow <= 0 {
		p.DedupWindow = p.Detector.Window
	}
	if p.PersistTimeout <= 0 {
		p.PersistTimeout = DefaultPersistTimeout
	}
}

// Normalize returns a copy of p with defaults applied, for policies built
// by hand.
func Normalize(p Policy) *Policy {
	out := p
	out.Tools = make(map[string]Tool, len(p.Tools))
	for name, t := range p.Tools {
		t.Name = name
		out.Tools[name] = t
	}
	out.Multipliers = make(map[enforcement.Level]float64, len(p.Multipliers))
	for k, v := range p.Multipliers {
		out.Multipliers[k] = v
	}
	out.fill()
	return &out
}

// Lookup returns the cost table entry for tool.
func (p *Policy) Lookup(tool string) (Tool, bool) {
	t, ok := p.Tools[tool]
	return t, ok
}

// Cost returns the credits an attempt needs under a throttle level:
// ceil(base × multiplier), or base when not throttled.
func (p *Policy) Cost(base int64, level enforcement.Level) int64 {
	if level == "" {
		return base
	}
	m, ok := p.Multipliers[level]
	if !ok || m <= 1 {
		return base
	}
	return int64(math.Ceil(float64(base) * m))
}

// ToolNames returns the configured tools in name order.
func (p *Policy) ToolNames() []string {
	names := make([]string, 0, len(p.Tools))
	for name := range p.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

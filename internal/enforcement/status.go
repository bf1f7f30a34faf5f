// Package enforcement stores per-user and module-wide enforcement statuses
// (cooldown, throttle, shadowban, kill switch) and review flags, and
// decides which of them blocks an attempt.
package enforcement

import (
	"errors"
	"time"
)

// ErrNotFound is returned for unknown status or flag ids.
var ErrNotFound = errors.New("enforcement status not found")

// ErrInvalid rejects malformed statuses.
var ErrInvalid = errors.New("invalid enforcement status")

// AllScope matches every module (statuses) or every tool (cooldowns).
const AllScope = "*"

// Kind names a status type.
type Kind string

const (
	KindCooldown   Kind = "cooldown"
	KindThrottle   Kind = "throttle"
	KindShadowban  Kind = "shadowban"
	KindKillSwitch Kind = "kill_switch"
)

// Level is a throttle severity.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

func (l Level) rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	}
	return 0
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l.rank() > 0 }

// Status is one enforcement record. Kill switches have an empty UserID.
type Status struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	UserID     string     `json:"user_id,omitempty"`
	Module     string     `json:"module"`
	Feature    string     `json:"feature,omitempty"`
	Level      Level      `json:"level,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	ImposedBy  string     `json:"imposed_by"`
	StartedAt  time.Time  `json:"started_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

// Active reports whether the status is in force at now. Cooldowns lapse
// on their own at ExpiresAt; a shadowban with an end lapses at that end;
// everything else holds until resolved.
func (s Status) Active(now time.Time) bool {
	if s.ResolvedAt != nil {
		return false
	}
	switch s.Kind {
	case KindCooldown:
		return s.ExpiresAt != nil && now.Before(*s.ExpiresAt)
	case KindShadowban:
		return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
	}
	return true
}

// Covers reports whether a cooldown applies to tool.
func (s Status) Covers(tool string) bool {
	return s.Feature == AllScope || s.Feature == "" || s.Feature == tool
}

// Snapshot is the consistent view of every status bearing on one user in
// one module at a point in time.
type Snapshot struct {
	At         time.Time `json:"at"`
	UserID     string    `json:"user_id"`
	Module     string    `json:"module"`
	KillSwitch *Status   `json:"kill_switch,omitempty"`
	Shadowban  *Status   `json:"shadowban,omitempty"`
	Throttle   *Status   `json:"throttle,omitempty"`
	Cooldowns  []Status  `json:"cooldowns,omitempty"`
}

// Decide applies the fixed precedence kill switch, shadowban, cooldown.
// It returns the status that blocks tool, or nil, and the throttle level
// that applies when the attempt is not blocked.
func (s Snapshot) Decide(tool string) (*Status, Level) {
	if s.KillSwitch != nil {
		return s.KillSwitch, ""
	}
	if s.Shadowban != nil {
		return s.Shadowban, ""
	}
	for i := range s.Cooldowns {
		if s.Cooldowns[i].Covers(tool) && s.Cooldowns[i].Active(s.At) {
			return &s.Cooldowns[i], ""
		}
	}
	if s.Throttle != nil {
		return nil, s.Throttle.Level
	}
	return nil, ""
}

// Flag marks a user/tool pair for manual review.
type Flag struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	ToolName   string     `json:"tool_name"`
	Module     string     `json:"module"`
	FlagType   string     `json:"flag_type"`
	Source     string     `json:"source"`
	RuleID     string     `json:"rule_id,omitempty"`
	AttemptID  string     `json:"attempt_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy string     `json:"reviewed_by,omitempty"`
}

// Flag sources.
const (
	SourceDetector = "detector"
	SourceRule     = "rule"
)

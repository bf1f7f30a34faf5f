// Package abuse decides when repeated denials for a user and tool should
// escalate into automatic enforcement. Detection is a read of recent
// attempt history; applying the escalation is the engine's job.
package abuse

import (
	"context"
	"fmt"
	"time"
)

// Defaults match the overuse policy: five denials in ten minutes.
const (
	DefaultThreshold = 5
	DefaultWindow    = 10 * time.Minute
)

// EscalationAutoFlag is the only escalation type the detector proposes.
const EscalationAutoFlag = "auto_flag"

// Escalation is a proposed enforcement action.
type Escalation struct {
	Type     string        `json:"type"`
	FlagType string        `json:"flag_type"`
	UserID   string        `json:"user_id"`
	ToolName string        `json:"tool_name"`
	Denials  int64         `json:"denials"`
	Window   time.Duration `json:"window"`
}

// DenialCounter counts denied attempts for a user and tool since a time.
type DenialCounter interface {
	CountDenied(ctx context.Context, userID, tool string, since time.Time) (int64, error)
}

// Detector holds the tunable overuse policy.
type Detector struct {
	Threshold int
	Window    time.Duration
}

// NewDetector returns a detector, falling back to the defaults for
// non-positive values.
func NewDetector(threshold int, window time.Duration) Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return Detector{Threshold: threshold, Window: window}
}

// Evaluate proposes an overuse flag when the denials for the pair within
// the trailing window reach the threshold. It has no side effects.
func (d Detector) Evaluate(ctx context.Context, c DenialCounter, userID, tool string, now time.Time) (*Escalation, error) {
	denials, err := c.CountDenied(ctx, userID, tool, now.Add(-d.Window))
	if err != nil {
		return nil, fmt.Errorf("counting denials: %w", err)
	}
	if denials < int64(d.Threshold) {
		return nil, nil
	}
	return &Escalation{
		Type:     EscalationAutoFlag,
		FlagType: "overuse",
		UserID:   userID,
		ToolName: tool,
		Denials:  denials,
		Window:   d.Window,
	}, nil
}

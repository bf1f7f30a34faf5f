// Package notify delivers admin alerts. Alerts are emitted after the
// attempt transaction commits; delivery is at-least-once and sinks may
// see duplicates.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert types.
const (
	TypeOveruse  = "overuse"
	TypeRuleFlag = "rule_flag"
)

// Alert is the message handed to every sink.
type Alert struct {
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	RelatedTool string    `json:"related_tool"`
	UserID      string    `json:"user_id,omitempty"`
	Module      string    `json:"module,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notifier is a single alert sink.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every sink and joins their errors.
type Multi []Notifier

// Notify delivers to all sinks, even after a failure.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log sink.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the alert at a level matching its severity.
func (n *LogNotifier) Notify(ctx context.Context, a Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "admin alert",
		"type", a.Type,
		"severity", a.Severity,
		"tool", a.RelatedTool,
		"user", a.UserID,
		"module", a.Module,
		"message", a.Message,
	)
	return nil
}

package audit

import (
	"encoding/json"
	"time"
)

// Entry is one privileged decision. Detail carries the resulting state.
type Entry struct {
	ID        string          `json:"id"`
	Module    string          `json:"module"`
	Action    string          `json:"action"`
	Target    string          `json:"target"`
	Decision  string          `json:"decision"`
	DecidedBy string          `json:"decided_by"`
	DecidedAt time.Time       `json:"decided_at"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// QueryOpts holds filters for audit queries.
type QueryOpts struct {
	Module    string
	Action    string
	Target    string
	DecidedBy string
	Since     time.Time
	Limit     int
}

// ActionCount is how often an action was decided.
type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

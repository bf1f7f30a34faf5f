package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrInvalidCondition is returned for conditions that do not type-check.
var ErrInvalidCondition = errors.New("invalid condition")

const maxConditionDepth = 16

type fieldType int

const (
	typeString fieldType = iota
	typeNumber
	typeBool
)

var fieldTypes = map[string]fieldType{
	"tool_name":        typeString,
	"user_id":          typeString,
	"module":           typeString,
	"input_kind":       typeString,
	"input_text":       typeString,
	"input_length":     typeNumber,
	"recent_attempts":  typeNumber,
	"recent_denials":   typeNumber,
	"threat_severity":  typeNumber,
	"listing_price":    typeNumber,
	"credits_required": typeNumber,
	"balance":          typeNumber,
	"pii_detected":     typeBool,
}

var opsByType = map[fieldType][]string{
	typeString: {"eq", "neq", "contains", "matches", "in"},
	typeNumber: {"eq", "neq", "gt", "gte", "lt", "lte", "in"},
	typeBool:   {"eq", "neq"},
}

// AttemptContext is everything a condition can look at.
type AttemptContext struct {
	ToolName        string
	UserID          string
	Module          string
	Input           Input
	RecentAttempts  int64
	RecentDenials   int64
	ThreatSeverity  int
	CreditsRequired int64
	Balance         int64
}

// Condition is a predicate tree. A node is exactly one of all, any, not or
// a leaf comparison {field, op, value}.
type Condition struct {
	All   []*Condition `json:"all,omitempty"`
	Any   []*Condition `json:"any,omitempty"`
	Not   *Condition   `json:"not,omitempty"`
	Field string       `json:"field,omitempty"`
	Op    string       `json:"op,omitempty"`
	Value any          `json:"value,omitempty"`

	re *regexp.Regexp
}

// ParseCondition decodes and validates a serialized condition.
func ParseCondition(data []byte) (*Condition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var c Condition
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate type-checks the tree and compiles any regular expressions.
func (c *Condition) Validate() error {
	return c.validate(0)
}

func (c *Condition) validate(depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("%w: nested deeper than %d", ErrInvalidCondition, maxConditionDepth)
	}
	shapes := 0
	if c.All != nil {
		shapes++
	}
	if c.Any != nil {
		shapes++
	}
	if c.Not != nil {
		shapes++
	}
	if c.Field != "" || c.Op != "" || c.Value != nil {
		shapes++
	}
	if shapes != 1 {
		return fmt.Errorf("%w: node must be exactly one of all, any, not or a comparison", ErrInvalidCondition)
	}

	switch {
	case c.All != nil || c.Any != nil:
		children := c.All
		if c.Any != nil {
			children = c.Any
		}
		if len(children) == 0 {
			return fmt.Errorf("%w: empty group", ErrInvalidCondition)
		}
		for _, child := range children {
			if child == nil {
				return fmt.Errorf("%w: null child", ErrInvalidCondition)
			}
			if err := child.validate(depth + 1); err != nil {
				return err
			}
		}
		return nil
	case c.Not != nil:
		return c.Not.validate(depth + 1)
	}
	return c.validateLeaf()
}

func (c *Condition) validateLeaf() error {
	ft, ok := fieldTypes[c.Field]
	if !ok {
		return fmt.Errorf("%w: unknown field %q", ErrInvalidCondition, c.Field)
	}
	allowed := false
	for _, op := range opsByType[ft] {
		if op == c.Op {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: operator %q not valid for field %q", ErrInvalidCondition, c.Op, c.Field)
	}

	if c.Op == "in" {
		list, ok := c.Value.([]any)
		if !ok || len(list) == 0 {
			return fmt.Errorf("%w: %q needs a non-empty list", ErrInvalidCondition, c.Field)
		}
		for _, v := range list {
			if !valueFits(ft, v) {
				return fmt.Errorf("%w: list for %q holds a %T", ErrInvalidCondition, c.Field, v)
			}
		}
		return nil
	}
	if !valueFits(ft, c.Value) {
		return fmt.Errorf("%w: %q cannot be compared with %T", ErrInvalidCondition, c.Field, c.Value)
	}
	if c.Op == "matches" {
		re, err := regexp.Compile(c.Value.(string))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCondition, err)
		}
		c.re = re
	}
	return nil
}

func valueFits(ft fieldType, v any) bool {
	switch ft {
	case typeString:
		_, ok := v.(string)
		return ok
	case typeNumber:
		_, ok := v.(float64)
		return ok
	case typeBool:
		_, ok := v.(bool)
		return ok
	}
	return false
}

// Eval reports whether the condition holds and, if so, the "field=value"
// of the first leaf that made it hold. The tree must have passed Validate.
func (c *Condition) Eval(ac AttemptContext) (bool, string) {
	switch {
	case c.All != nil:
		offending := ""
		for _, child := range c.All {
			ok, off := child.Eval(ac)
			if !ok {
				return false, ""
			}
			if offending == "" {
				offending = off
			}
		}
		return true, offending
	case c.Any != nil:
		for _, child := range c.Any {
			if ok, off := child.Eval(ac); ok {
				return true, off
			}
		}
		return false, ""
	case c.Not != nil:
		if ok, _ := c.Not.Eval(ac); ok {
			return false, ""
		}
		return true, c.Not.unmatched(ac)
	}

	actual := ac.lookup(c.Field)
	if !c.compare(actual) {
		return false, ""
	}
	return true, c.evidence(actual)
}

// unmatched returns the "field=value" of the leaf that kept a condition
// from holding. The condition must already have evaluated false.
func (c *Condition) unmatched(ac AttemptContext) string {
	switch {
	case c.All != nil:
		for _, child := range c.All {
			if ok, _ := child.Eval(ac); !ok {
				return child.unmatched(ac)
			}
		}
		return ""
	case c.Any != nil:
		if len(c.Any) == 0 {
			return ""
		}
		return c.Any[0].unmatched(ac)
	case c.Not != nil:
		_, off := c.Not.Eval(ac)
		return off
	}
	return c.evidence(ac.lookup(c.Field))
}

func (c *Condition) evidence(actual any) string {
	return fmt.Sprintf("%s=%s", c.Field, truncate(formatValue(actual), 200))
}

func (c *Condition) compare(actual any) bool {
	switch a := actual.(type) {
	case string:
		switch c.Op {
		case "eq":
			return a == c.Value.(string)
		case "neq":
			return a != c.Value.(string)
		case "contains":
			return strings.Contains(strings.ToLower(a), strings.ToLower(c.Value.(string)))
		case "matches":
			return c.re != nil && c.re.MatchString(a)
		case "in":
			for _, v := range c.Value.([]any) {
				if v.(string) == a {
					return true
				}
			}
		}
	case float64:
		switch c.Op {
		case "eq":
			return a == c.Value.(float64)
		case "neq":
			return a != c.Value.(float64)
		case "gt":
			return a > c.Value.(float64)
		case "gte":
			return a >= c.Value.(float64)
		case "lt":
			return a < c.Value.(float64)
		case "lte":
			return a <= c.Value.(float64)
		case "in":
			for _, v := range c.Value.([]any) {
				if v.(float64) == a {
					return true
				}
			}
		}
	case bool:
		switch c.Op {
		case "eq":
			return a == c.Value.(bool)
		case "neq":
			return a != c.Value.(bool)
		}
	}
	return false
}

func (ac AttemptContext) lookup(field string) any {
	switch field {
	case "tool_name":
		return ac.ToolName
	case "user_id":
		return ac.UserID
	case "module":
		return ac.Module
	case "input_kind":
		return string(ac.Input.Kind)
	case "input_text":
		return ac.Input.Content()
	case "input_length":
		return float64(utf8.RuneCountInString(ac.Input.Content()))
	case "recent_attempts":
		return float64(ac.RecentAttempts)
	case "recent_denials":
		return float64(ac.RecentDenials)
	case "threat_severity":
		return float64(ac.ThreatSeverity)
	case "listing_price":
		if ac.Input.Listing != nil {
			return ac.Input.Listing.Price
		}
		return float64(0)
	case "credits_required":
		return float64(ac.CreditsRequired)
	case "balance":
		return float64(ac.Balance)
	case "pii_detected":
		return DetectPII(ac.Input.Content())
	}
	return nil
}

func formatValue(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
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

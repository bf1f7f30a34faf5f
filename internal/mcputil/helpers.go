// Package mcputil provides small helpers over the go-sdk's raw JSON tool
// arguments and tool results.
package mcputil

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// GetString reads a string argument, falling back to defaultVal.
func GetString(raw json.RawMessage, key, defaultVal string) string {
	v, ok := parseArgs(raw)[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

// GetInt reads a numeric argument truncated to int, falling back to
// defaultVal.
func GetInt(raw json.RawMessage, key string, defaultVal int) int {
	v, ok := parseArgs(raw)[key]
	if !ok {
		return defaultVal
	}
	f, ok := v.(float64)
	if !ok {
		return defaultVal
	}
	return int(f)
}

// ArgumentsText returns the arguments as compact text, or "" when there
// are none.
func ArgumentsText(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "null" || s == "{}" {
		return ""
	}
	return s
}

// MetaString reads a trimmed string entry from a request's _meta.
func MetaString(meta mcp.Meta, key string) string {
	s, _ := meta[key].(string)
	return strings.TrimSpace(s)
}

// Decode unmarshals raw arguments into v. Empty arguments leave v untouched.
func Decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding arguments: %w", err)
	}
	return nil
}

// NewToolResultText wraps text in a successful result.
func NewToolResultText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// NewToolResultJSON renders v as indented JSON text.
func NewToolResultJSON(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return NewToolResultError(fmt.Sprintf("encoding result: %v", err))
	}
	return NewToolResultText(string(data))
}

// NewToolResultError is a failed result the model can read.
func NewToolResultError(msg string) *mcp.CallToolResult {
	var r mcp.CallToolResult
	r.SetError(fmt.Errorf("%s", msg))
	return &r
}

func parseArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

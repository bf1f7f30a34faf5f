package mcputil

import (
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetString(t *testing.T) {
	raw := json.RawMessage(`{"user_id":"u-1","limit":20}`)
	assert.Equal(t, "u-1", GetString(raw, "user_id", ""))
	assert.Equal(t, "valuation", GetString(raw, "module", "valuation"))
	assert.Equal(t, "x", GetString(raw, "limit", "x"), "wrong type falls back")
	assert.Equal(t, "x", GetString(nil, "user_id", "x"))
	assert.Equal(t, "x", GetString(json.RawMessage(`not json`), "user_id", "x"))
}

func TestGetInt(t *testing.T) {
	raw := json.RawMessage(`{"limit":20,"user_id":"u-1"}`)
	assert.Equal(t, 20, GetInt(raw, "limit", 0))
	assert.Equal(t, 50, GetInt(raw, "missing", 50))
	assert.Equal(t, 50, GetInt(raw, "user_id", 50), "wrong type falls back")
}

func TestDecode(t *testing.T) {
	var in struct {
		UserID   string `json:"user_id"`
		ToolName string `json:"tool_name"`
	}
	require.NoError(t, Decode(json.RawMessage(`{"user_id":"u-1","tool_name":"price_estimate"}`), &in))
	assert.Equal(t, "price_estimate", in.ToolName)

	in.UserID = "kept"
	require.NoError(t, Decode(nil, &in))
	assert.Equal(t, "kept", in.UserID)

	assert.Error(t, Decode(json.RawMessage(`{"user_id":`), &in))
}

func TestArgumentsText(t *testing.T) {
	for _, raw := range []string{"", "null", "{}", "  {}\n"} {
		assert.Empty(t, ArgumentsText(json.RawMessage(raw)), "%q", raw)
	}
	assert.Equal(t, `{"listing":"mail jo@example.com"}`, ArgumentsText(json.RawMessage(` {"listing":"mail jo@example.com"} `)))
}

func TestMetaString(t *testing.T) {
	meta := mcp.Meta{"toolgate/user_id": " u-1 ", "count": 3}
	assert.Equal(t, "u-1", MetaString(meta, "toolgate/user_id"))
	assert.Empty(t, MetaString(meta, "count"))
	assert.Empty(t, MetaString(nil, "toolgate/user_id"))
}

func TestToolResults(t *testing.T) {
	res := NewToolResultJSON(map[string]any{"balance": 120})
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.JSONEq(t, `{"balance":120}`, res.Content[0].(*mcp.TextContent).Text)

	res = NewToolResultError("user_id is required")
	assert.True(t, res.IsError)
	assert.Equal(t, "user_id is required", res.Content[0].(*mcp.TextContent).Text)

	res = NewToolResultJSON(func() {})
	assert.True(t, res.IsError, "unencodable values become errors")
}

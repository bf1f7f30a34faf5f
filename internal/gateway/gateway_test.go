package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/toolgate/internal/admin"
	"github.com/oktsec/toolgate/internal/config"
	"github.com/oktsec/toolgate/internal/governance"
	"github.com/oktsec/toolgate/internal/policy"
	"github.com/oktsec/toolgate/internal/rules"
	"github.com/oktsec/toolgate/internal/store/storetest"
)

var root = admin.Identity{ID: "admin-1", Role: admin.RoleAdmin}

type fixture struct {
	gw     *Gateway
	engine *governance.Engine
	admin  *admin.API
}

// newTestGateway fronts the given in-process backends. greet costs 10
// credits in module social; explode costs 5.
func newTestGateway(t *testing.T, backends ...string) fixture {
	t.Helper()
	ctx := context.Background()
	db := storetest.Open(t)
	logger := storetest.Logger()
	pol := policy.Normalize(policy.Policy{Tools: map[string]policy.Tool{
		"greet":   {Module: "social", Credits: 10},
		"a_greet": {Module: "social", Credits: 10},
		"b_greet": {Module: "social", Credits: 10},
		"explode": {Module: "social", Credits: 5},
	}})
	engine := governance.New(db, pol, logger, governance.Options{})
	adminAPI := admin.New(db, nil, logger)

	cfg := config.Defaults().Gateway
	gw := New(cfg, engine, adminAPI, "test", logger)
	for _, name := range backends {
		b := NewBackendWithSession(name, connectInProcess(ctx, t, newTestMCPServer(name)), logger)
		require.NoError(t, b.Connect(ctx, "test"))
		gw.Attach(b)
	}
	require.NoError(t, gw.Build())
	return fixture{gw: gw, engine: engine, admin: adminAPI}
}

// client connects to the gateway's MCP server in memory.
func (f fixture) client(t *testing.T) *mcp.ClientSession {
	t.Helper()
	return connectInProcess(context.Background(), t, f.gw.Server())
}

func (f fixture) grant(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.admin.GrantCredits(context.Background(), root, userID, amount, "")
	require.NoError(t, err)
}

func (f fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	bal, err := f.engine.Balance(context.Background(), userID)
	require.NoError(t, err)
	return bal
}

func callAs(t *testing.T, cs *mcp.ClientSession, user, name string, args map[string]any) (string, bool) {
	t.Helper()
	params := &mcp.CallToolParams{Name: name, Arguments: args}
	if user != "" {
		params.Meta = mcp.Meta{MetaUserKey: user}
	}
	res, err := cs.CallTool(context.Background(), params)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content[0] is %T", res.Content[0])
	return tc.Text, res.IsError
}

func TestGateway_ToolDiscovery(t *testing.T) {
	f := newTestGateway(t, "social")
	assert.Equal(t, []string{"explode", "greet"}, f.gw.ToolNames())

	res, err := f.client(t).ListTools(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Tools, 2)
}

func TestGateway_ToolNamespacing(t *testing.T) {
	f := newTestGateway(t, "a", "b")
	assert.Equal(t, []string{"a_explode", "a_greet", "b_explode", "b_greet"}, f.gw.ToolNames())

	f.grant(t, "u-1", 10)
	text, isErr := callAs(t, f.client(t), "u-1", "b_greet", map[string]any{"name": "jo"})
	require.False(t, isErr, text)
	assert.Equal(t, "Hello from b, jo!", text)
}

func TestGateway_NoBackends(t *testing.T) {
	gw := New(config.Defaults().Gateway, nil, nil, "test", storetest.Logger())
	assert.Error(t, gw.Build())
}

func TestGateway_ChargesAndForwards(t *testing.T) {
	f := newTestGateway(t, "social")
	f.grant(t, "u-1", 25)
	cs := f.client(t)

	text, isErr := callAs(t, cs, "u-1", "greet", map[string]any{"name": "toolgate"})
	require.False(t, isErr, text)
	assert.Equal(t, "Hello from social, toolgate!", text)
	assert.Equal(t, int64(15), f.balance(t, "u-1"))

	_, isErr = callAs(t, cs, "u-1", "greet", nil)
	require.False(t, isErr)

	text, isErr = callAs(t, cs, "u-1", "greet", nil)
	assert.True(t, isErr)
	assert.Contains(t, text, "insufficient_funds")
	assert.Equal(t, int64(5), f.balance(t, "u-1"))
}

func TestGateway_MissingUser(t *testing.T) {
	f := newTestGateway(t, "social")
	text, isErr := callAs(t, f.client(t), "", "greet", nil)
	assert.True(t, isErr)
	assert.Contains(t, text, "missing user")
}

func TestGateway_KillSwitchStopsForwarding(t *testing.T) {
	f := newTestGateway(t, "social")
	f.grant(t, "u-1", 100)
	_, err := f.admin.ImposeKillSwitch(context.Background(), root, "social", "incident")
	require.NoError(t, err)

	text, isErr := callAs(t, f.client(t), "u-1", "greet", nil)
	assert.True(t, isErr)
	assert.Contains(t, text, "module_disabled")
	assert.Equal(t, int64(100), f.balance(t, "u-1"))
}

func TestGateway_RefundsFailedCalls(t *testing.T) {
	f := newTestGateway(t, "social")
	f.grant(t, "u-1", 20)

	text, isErr := callAs(t, f.client(t), "u-1", "explode", nil)
	assert.True(t, isErr)
	assert.Equal(t, "boom", text)
	assert.Equal(t, int64(20), f.balance(t, "u-1"), "failed call is refunded")
}

func TestGateway_NoRefundWhenDisabled(t *testing.T) {
	f := newTestGateway(t, "social")
	f.gw.cfg.RefundOnError = false
	f.grant(t, "u-1", 20)

	_, isErr := callAs(t, f.client(t), "u-1", "explode", nil)
	assert.True(t, isErr)
	assert.Equal(t, int64(15), f.balance(t, "u-1"))
}

func TestGateway_RulesSeeArguments(t *testing.T) {
	f := newTestGateway(t, "social")
	f.grant(t, "u-1", 100)
	cond, err := rules.ParseCondition([]byte(`{"field":"pii_detected","op":"eq","value":true}`))
	require.NoError(t, err)
	_, err = f.admin.CreateRule(context.Background(), root, rules.Rule{
		Name:         "no contact details",
		TargetModule: "social",
		Condition:    cond,
		Action:       rules.ActionAutoBlock,
		Enabled:      true,
	})
	require.NoError(t, err)

	cs := f.client(t)
	text, isErr := callAs(t, cs, "u-1", "greet", map[string]any{"name": "mail jo@example.com"})
	assert.True(t, isErr)
	assert.Contains(t, text, "rule_blocked")

	_, isErr = callAs(t, cs, "u-1", "greet", map[string]any{"name": "jo"})
	assert.False(t, isErr)
	assert.Equal(t, int64(90), f.balance(t, "u-1"))
}

// headerTransport stamps the user header on every request.
type headerTransport struct {
	user string
}

func (h headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("X-Toolgate-User", h.user)
	return http.DefaultTransport.RoundTrip(r)
}

func TestGateway_StreamableHTTPUserHeader(t *testing.T) {
	f := newTestGateway(t, "social")
	f.grant(t, "u-http", 10)

	srv := httptest.NewServer(f.gw.Handler())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	c := mcp.NewClient(&mcp.Implementation{Name: "http-client", Version: "1.0.0"}, nil)
	cs, err := c.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   srv.URL,
		HTTPClient: &http.Client{Transport: headerTransport{user: "u-http"}},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	text, isErr := callAs(t, cs, "", "greet", nil)
	require.False(t, isErr, text)
	assert.Equal(t, int64(0), f.balance(t, "u-http"))
}

func TestGateway_Routes(t *testing.T) {
	f := newTestGateway(t, "a", "b")
	routes := f.gw.Routes()
	require.Len(t, routes, 4)
	assert.Equal(t, Route{Name: "a_explode", Backend: "a", Tool: "explode"}, routes[0])
	assert.Equal(t, Route{Name: "b_greet", Backend: "b", Tool: "greet"}, routes[3])
}

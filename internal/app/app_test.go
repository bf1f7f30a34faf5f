package app

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oktsec/toolgate/internal/admin"
	"github.com/oktsec/toolgate/internal/config"
	"github.com/oktsec/toolgate/internal/governance"
	"github.com/oktsec/toolgate/internal/notify"
	"github.com/oktsec/toolgate/internal/store/storetest"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "toolgate.db")
	cfg.Tools["price_estimate"] = config.Tool{Module: "valuation", Credits: 50}
	return cfg
}

func TestOpen_AuthorizesAgainstConfiguredTools(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, testConfig(t), storetest.Logger(), nil)
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()

	_, err = a.Admin.GrantCredits(ctx, admin.Identity{ID: "ops", Role: admin.RoleAdmin}, "u-1", 120, "")
	require.NoError(t, err)

	d, err := a.Engine.Authorize(ctx, governance.Request{UserID: "u-1", ToolName: "price_estimate"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(70), d.RemainingCredits)
}

func TestReloadSwapsPolicy(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a, err := Open(ctx, cfg, storetest.Logger(), nil)
	require.NoError(t, err)
	defer func() { _ = a.Close(ctx) }()

	next := testConfig(t)
	next.Tools["price_estimate"] = config.Tool{Module: "valuation", Credits: 5}
	a.Reload(next)

	tool, ok := a.Engine.Policy().Lookup("price_estimate")
	require.True(t, ok)
	assert.Equal(t, int64(5), tool.Credits)
}

func TestOpen_RedisPublishesEscalations(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.AlertChannel = "toolgate:alerts"
	cfg.Abuse.Threshold = 2

	a, err := Open(ctx, cfg, storetest.Logger(), nil)
	require.NoError(t, err)
	require.NotNil(t, a.Redis)

	sub := a.Redis.Subscribe(ctx, "toolgate:alerts")
	defer func() { _ = sub.Close() }()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := a.Engine.Authorize(ctx, governance.Request{UserID: "u-1", ToolName: "price_estimate"})
		require.NoError(t, err)
	}

	select {
	case msg := <-sub.Channel():
		var alert notify.Alert
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &alert))
		assert.Equal(t, notify.TypeOveruse, alert.Type)
		assert.Equal(t, "price_estimate", alert.RelatedTool)
	case <-time.After(5 * time.Second):
		t.Fatal("no alert published")
	}

	// The escalation key is held in Redis for the dedup window.
	keys := mr.Keys()
	found := false
	for _, k := range keys {
		if k == "toolgate:escalation:overuse:u-1:price_estimate" {
			found = true
		}
	}
	assert.True(t, found, "keys: %v", keys)
	require.NoError(t, a.Close(ctx))
}

func TestOpen_BadDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "oracle"
	_, err := Open(context.Background(), cfg, storetest.Logger(), nil)
	assert.Error(t, err)
}

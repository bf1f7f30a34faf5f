package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oktsec/toolgate/internal/admin"
	"github.com/oktsec/toolgate/internal/governance"
	"github.com/oktsec/toolgate/internal/policy"
	"github.com/oktsec/toolgate/internal/server"
	"github.com/oktsec/toolgate/internal/store/storetest"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080/", WithActor("ops", "admin"))
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.actorID != "ops" || c.actorRole != "admin" {
		t.Errorf("actor = %q/%q", c.actorID, c.actorRole)
	}
	if c.httpClient.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", c.httpClient.Timeout)
	}
}

func TestAuthorize_Request(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/authorize" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Actor-ID") != "" {
			t.Error("actor header sent without WithActor")
		}
		var req AuthorizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.UserID != "u-1" || req.ToolName != "price_estimate" {
			t.Errorf("request = %+v", req)
		}
		if req.Input == nil || req.Input.Kind != "text" || req.Input.Text != "hello" {
			t.Errorf("input = %+v", req.Input)
		}
		_ = json.NewEncoder(w).Encode(Decision{Allowed: false, Reason: "insufficient_funds", CreditsRequired: 50})
	}))
	defer srv.Close()

	d, err := NewClient(srv.URL).Authorize(context.Background(), AuthorizeRequest{
		UserID:   "u-1",
		ToolName: "price_estimate",
		Input:    &Input{Kind: "text", Text: "hello"},
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed || d.Reason != "insufficient_funds" || d.CreditsRequired != 50 {
		t.Errorf("decision = %+v", d)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/admin/credits/grant":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"admin role required"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.GrantCredits(context.Background(), "u-1", 10, "")
	if !IsForbidden(err) {
		t.Fatalf("err = %v, want 403", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "admin role required" {
		t.Errorf("message = %v", err)
	}

	_, err = c.Health(context.Background())
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
	if apiErr.Message != "Bad Gateway" {
		t.Errorf("non-JSON body message = %q", apiErr.Message)
	}
}

func TestBalance_Limit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/users/u 1/balance" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("limit = %q", r.URL.Query().Get("limit"))
		}
		_, _ = w.Write([]byte(`{"user_id":"u 1","balance":7,"entries":[]}`))
	}))
	defer srv.Close()

	b, err := NewClient(srv.URL).Balance(context.Background(), "u 1", 5)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.Balance != 7 {
		t.Errorf("balance = %d", b.Balance)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewClient(srv.URL).Tools(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// newLiveServer runs the real API over a throwaway database.
func newLiveServer(t *testing.T) string {
	t.Helper()
	db := storetest.Open(t)
	logger := storetest.Logger()
	pol := policy.Normalize(policy.Policy{Tools: map[string]policy.Tool{
		"price_estimate": {Module: "valuation", Credits: 50},
	}})
	h := server.NewHandler(server.Deps{
		DB:      db,
		Engine:  governance.New(db, pol, logger, governance.Options{}),
		Admin:   admin.New(db, nil, logger),
		Version: "test",
	}, logger)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestClient_AgainstServer(t *testing.T) {
	ctx := context.Background()
	url := newLiveServer(t)
	user := NewClient(url)
	ops := NewClient(url, WithActor("ops", "admin"))

	h, err := user.Health(ctx)
	if err != nil || h.Version != "test" {
		t.Fatalf("Health = %+v, %v", h, err)
	}

	tools, err := user.Tools(ctx)
	if err != nil || len(tools) != 1 || tools[0].Credits != 50 {
		t.Fatalf("Tools = %+v, %v", tools, err)
	}

	if _, err := user.GrantCredits(ctx, "u-1", 100, ""); !IsForbidden(err) {
		t.Fatalf("grant without actor: %v", err)
	}
	change, err := ops.GrantCredits(ctx, "u-1", 100, "trial")
	if err != nil || change.Balance != 100 {
		t.Fatalf("GrantCredits = %+v, %v", change, err)
	}

	d, err := user.Authorize(ctx, AuthorizeRequest{UserID: "u-1", ToolName: "price_estimate"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allowed || d.RemainingCredits != 50 || d.AttemptID == "" {
		t.Fatalf("decision = %+v", d)
	}

	refund, err := ops.RefundAttempt(ctx, d.AttemptID, "tool crashed")
	if err != nil || !refund.Changed || refund.Balance != 100 {
		t.Fatalf("RefundAttempt = %+v, %v", refund, err)
	}
	refund, err = ops.RefundAttempt(ctx, d.AttemptID, "again")
	if err != nil || refund.Changed {
		t.Errorf("second refund = %+v, %v", refund, err)
	}

	if _, err := ops.DeductCredits(ctx, "u-1", 1000, ""); err == nil {
		t.Error("overdraw succeeded")
	}

	bal, err := user.Balance(ctx, "u-1", 10)
	if err != nil || bal.Balance != 100 {
		t.Fatalf("Balance = %+v, %v", bal, err)
	}
	if len(bal.Entries) != 3 {
		t.Errorf("entries = %d, want grant, charge and refund", len(bal.Entries))
	}

	th, err := ops.ImposeThrottle(ctx, "u-1", "valuation", "high", "abuse")
	if err != nil || !th.Changed {
		t.Fatalf("ImposeThrottle = %+v, %v", th, err)
	}
	d, err = user.Authorize(ctx, AuthorizeRequest{UserID: "u-1", ToolName: "price_estimate"})
	if err != nil || d.Reason != "throttled" || d.CreditsRequired != 100 {
		t.Fatalf("throttled decision = %+v, %v", d, err)
	}

	ks, err := ops.ImposeKillSwitch(ctx, "valuation", "incident")
	if err != nil || !ks.Changed {
		t.Fatalf("ImposeKillSwitch = %+v, %v", ks, err)
	}
	snap, err := user.Status(ctx, "u-1", "valuation")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.KillSwitch == nil || snap.Throttle == nil || snap.Throttle.Level != "high" {
		t.Errorf("snapshot = %+v", snap)
	}

	changed, err := ops.Resolve(ctx, ks.Status.ID)
	if err != nil || !changed {
		t.Fatalf("Resolve = %v, %v", changed, err)
	}
	if _, err := ops.Resolve(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("resolve missing: %v", err)
	}

	cd, err := ops.ImposeCooldown(ctx, "u-1", "valuation", "", 10*time.Minute, "slow down")
	if err != nil || !cd.Changed || cd.Status.ExpiresAt == nil {
		t.Fatalf("ImposeCooldown = %+v, %v", cd, err)
	}
}

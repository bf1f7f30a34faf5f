// Package sdk provides a Go client for the toolgate HTTP API.
//
// Basic usage:
//
//	c := sdk.NewClient("http://localhost:8080")
//	d, err := c.Authorize(ctx, sdk.AuthorizeRequest{UserID: "u-1", ToolName: "price_estimate"})
//	if err == nil && d.Allowed {
//		// run the tool
//	}
//
// Admin calls need an identity:
//
//	admin := sdk.NewClient("http://localhost:8080", sdk.WithActor("ops@example.com", "admin"))
//	_, err := admin.GrantCredits(ctx, "u-1", 500, "monthly top-up")
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AuthorizeRequest is sent to POST /v1/authorize.
type AuthorizeRequest struct {
	UserID   string `json:"user_id"`
	ToolName string `json:"tool_name"`
	Module   string `json:"module,omitempty"`
	Input    *Input `json:"input_context,omitempty"`
}

// Input is the tool input rules are evaluated against. Set Kind and the
// matching variant only.
type Input struct {
	Kind    string   `json:"kind,omitempty"` // text, listing or media
	Text    string   `json:"text,omitempty"`
	Listing *Listing `json:"listing,omitempty"`
	Media   *Media   `json:"media,omitempty"`
}

// Listing is a marketplace listing handed to a tool.
type Listing struct {
	ListingID   string  `json:"listing_id"`
	Price       float64 `json:"price"`
	Description string  `json:"description,omitempty"`
}

// Media references an uploaded asset.
type Media struct {
	URL   string `json:"url"`
	Bytes int64  `json:"bytes,omitempty"`
}

// Decision is the answer to an authorization request. A denial is a
// normal answer, not an error.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason"` // ok, insufficient_funds, throttled, ...
	CreditsRequired  int64  `json:"credits_required"`
	RemainingCredits int64  `json:"remaining_credits"`
	AttemptID        string `json:"attempt_id,omitempty"`
}

// LedgerEntry is one credit movement.
type LedgerEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Type         string    `json:"entry_type"` // grant, deduct, charge or refund
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Balance is returned by GET /v1/users/{id}/balance.
type Balance struct {
	UserID  string        `json:"user_id"`
	Balance int64         `json:"balance"`
	Entries []LedgerEntry `json:"entries"`
}

// Status is one enforcement status.
type Status struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	UserID    string     `json:"user_id,omitempty"`
	Module    string     `json:"module"`
	Feature   string     `json:"feature,omitempty"`
	Level     string     `json:"level,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ImposedBy string     `json:"imposed_by"`
	StartedAt time.Time  `json:"started_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Snapshot is the enforcement in force for a user within a module.
type Snapshot struct {
	At         time.Time `json:"at"`
	UserID     string    `json:"user_id"`
	Module     string    `json:"module"`
	KillSwitch *Status   `json:"kill_switch,omitempty"`
	Shadowban  *Status   `json:"shadowban,omitempty"`
	Throttle   *Status   `json:"throttle,omitempty"`
	Cooldowns  []Status  `json:"cooldowns,omitempty"`
}

// Tool is one entry of the cost table.
type Tool struct {
	Name    string `json:"name"`
	Module  string `json:"module"`
	Credits int64  `json:"credits"`
}

// BalanceChange is the outcome of a credit operation.
type BalanceChange struct {
	UserID  string `json:"user_id"`
	Amount  int64  `json:"amount"`
	Balance int64  `json:"balance"`
	Changed bool   `json:"changed"`
}

// StatusChange is the outcome of an enforcement override.
type StatusChange struct {
	Status  Status `json:"status"`
	Changed bool   `json:"changed"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("toolgate: %s (HTTP %d)", e.Message, e.StatusCode)
}

// IsForbidden reports whether err is a 403 from an admin route.
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a toolgate server.
type Client struct {
	baseURL    string
	actorID    string
	actorRole  string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithActor sets the identity sent on admin calls.
func WithActor(id, role string) Option {
	return func(c *Client) {
		c.actorID = id
		c.actorRole = role
	}
}

// WithHTTPClient replaces the default 30s-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the toolgate server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Authorize asks whether the user may run the tool, charging it when allowed.
func (c *Client) Authorize(ctx context.Context, req AuthorizeRequest) (*Decision, error) {
	var d Decision
	if err := c.do(ctx, http.MethodPost, "/v1/authorize", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Balance returns the user's balance and up to limit recent ledger entries.
func (c *Client) Balance(ctx context.Context, userID string, limit int) (*Balance, error) {
	path := "/v1/users/" + url.PathEscape(userID) + "/balance"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var b Balance
	if err := c.do(ctx, http.MethodGet, path, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Status returns the enforcement in force for the user within module.
func (c *Client) Status(ctx context.Context, userID, module string) (*Snapshot, error) {
	path := "/v1/users/" + url.PathEscape(userID) + "/status?module=" + url.QueryEscape(module)
	var s Snapshot
	if err := c.do(ctx, http.MethodGet, path, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Tools returns the cost table.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/tools", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// GrantCredits adds credits to a user.
func (c *Client) GrantCredits(ctx context.Context, userID string, amount int64, reason string) (*BalanceChange, error) {
	return c.credits(ctx, "/v1/admin/credits/grant", userID, amount, reason)
}

// DeductCredits removes credits from a user. Overdrawing is a 409.
func (c *Client) DeductCredits(ctx context.Context, userID string, amount int64, reason string) (*BalanceChange, error) {
	return c.credits(ctx, "/v1/admin/credits/deduct", userID, amount, reason)
}

func (c *Client) credits(ctx context.Context, path, userID string, amount int64, reason string) (*BalanceChange, error) {
	body := map[string]any{"user_id": userID, "amount": amount, "reason": reason}
	var out BalanceChange
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefundAttempt credits back an allowed attempt. Refunding twice is a no-op.
func (c *Client) RefundAttempt(ctx context.Context, attemptID, reason string) (*BalanceChange, error) {
	var out BalanceChange
	path := "/v1/admin/attempts/" + url.PathEscape(attemptID) + "/refund"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"reason": reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImposeCooldown blocks a user's feature within module for d.
func (c *Client) ImposeCooldown(ctx context.Context, userID, module, feature string, d time.Duration, reason string) (*StatusChange, error) {
	body := map[string]any{
		"user_id":          userID,
		"module":           module,
		"feature":          feature,
		"duration_minutes": int(d / time.Minute),
		"reason":           reason,
	}
	var out StatusChange
	if err := c.do(ctx, http.MethodPost, "/v1/admin/enforcement/cooldown", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImposeThrottle raises the user's costs within module.
func (c *Client) ImposeThrottle(ctx context.Context, userID, module, level, reason string) (*StatusChange, error) {
	body := map[string]any{"user_id": userID, "module": module, "level": level, "reason": reason}
	var out StatusChange
	if err := c.do(ctx, http.MethodPost, "/v1/admin/enforcement/throttle", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImposeKillSwitch disables module for everyone.
func (c *Client) ImposeKillSwitch(ctx context.Context, module, reason string) (*StatusChange, error) {
	body := map[string]any{"module": module, "reason": reason}
	var out StatusChange
	if err := c.do(ctx, http.MethodPost, "/v1/admin/enforcement/kill-switch", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resolve lifts a status or closes a flag. It reports whether anything changed.
func (c *Client) Resolve(ctx context.Context, id string) (bool, error) {
	var out struct {
		Changed bool `json:"changed"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/admin/enforcement/"+url.PathEscape(id)+"/resolve", nil, &out); err != nil {
		return false, err
	}
	return out.Changed, nil
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actorID != "" {
		req.Header.Set("X-Actor-ID", c.actorID)
		req.Header.Set("X-Actor-Role", c.actorRole)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
	}
	return nil
}

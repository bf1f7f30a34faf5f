package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/oktsec/toolgate/internal/admin"
	"github.com/oktsec/toolgate/internal/attempts"
	"github.com/oktsec/toolgate/internal/audit"
	"github.com/oktsec/toolgate/internal/enforcement"
	"github.com/oktsec/toolgate/internal/governance"
	"github.com/oktsec/toolgate/internal/ledger"
	"github.com/oktsec/toolgate/internal/metrics"
	"github.com/oktsec/toolgate/internal/rules"
	"github.com/oktsec/toolgate/internal/store"
)

// Deps are the collaborators the HTTP API serves.
type Deps struct {
	DB             *store.DB
	Engine         *governance.Engine
	Admin          *admin.API
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
	Version        string

	// Gateway, when set, is mounted at GatewayPath.
	Gateway     http.Handler
	GatewayPath string
}

// handlers serves the JSON API. Read endpoints query the stores directly.
type handlers struct {
	deps        Deps
	ledger      *ledger.Ledger
	rules       *rules.Set
	enforcement *enforcement.Store
	attempts    *attempts.Recorder
	audit       *audit.Log
	logger      *slog.Logger
	now         func() time.Time
}

// NewHandler builds the routed, instrumented API handler.
func NewHandler(deps Deps, logger *slog.Logger) http.Handler {
	h := &handlers{
		deps:        deps,
		ledger:      ledger.New(),
		rules:       rules.NewSet(),
		enforcement: enforcement.NewStore(),
		attempts:    attempts.NewRecorder(),
		audit:       audit.NewLog(),
		logger:      logger,
		now:         time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/authorize", h.authorize)
	mux.HandleFunc("GET /v1/tools", h.tools)
	mux.HandleFunc("GET /v1/users/{id}/balance", h.balance)
	mux.HandleFunc("GET /v1/users/{id}/status", h.status)
	mux.HandleFunc("GET /v1/attempts", h.listAttempts)
	mux.HandleFunc("GET /v1/attempts/summary", h.attemptSummary)
	mux.HandleFunc("GET /v1/violations", h.listViolations)
	mux.HandleFunc("GET /v1/flags", h.listFlags)
	mux.HandleFunc("GET /v1/enforcement", h.listEnforcement)
	mux.HandleFunc("GET /v1/audit", h.listAudit)

	mux.HandleFunc("POST /v1/admin/credits/grant", h.grantCredits)
	mux.HandleFunc("POST /v1/admin/credits/deduct", h.deductCredits)
	mux.HandleFunc("POST /v1/admin/attempts/{id}/refund", h.refundAttempt)
	mux.HandleFunc("GET /v1/admin/rules", h.listRules)
	mux.HandleFunc("POST /v1/admin/rules", h.createRule)
	mux.HandleFunc("POST /v1/admin/rules/{id}/toggle", h.toggleRule)
	mux.HandleFunc("POST /v1/admin/enforcement/shadowban", h.imposeShadowban)
	mux.HandleFunc("POST /v1/admin/enforcement/throttle", h.imposeThrottle)
	mux.HandleFunc("POST /v1/admin/enforcement/cooldown", h.imposeCooldown)
	mux.HandleFunc("POST /v1/admin/enforcement/kill-switch", h.imposeKillSwitch)
	mux.HandleFunc("POST /v1/admin/enforcement/{id}/resolve", h.resolve)
	mux.HandleFunc("POST /v1/admin/users/{id}/restore", h.restoreUser)

	mux.HandleFunc("GET /health", h.health)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}
	if deps.Gateway != nil {
		mux.Handle(deps.GatewayPath, deps.Gateway)
	}

	var handler http.Handler = mux
	handler = actor(handler)
	handler = securityHeaders(handler)
	handler = logging(logger)(handler)
	handler = recovery(logger)(handler)
	handler = requestID(handler)

	var opts []otelhttp.Option
	if deps.TracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(deps.TracerProvider))
	}
	return otelhttp.NewHandler(handler, "toolgate", opts...)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DB.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": "database unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.deps.Version})
}

func (h *handlers) authorize(w http.ResponseWriter, r *http.Request) {
	var req governance.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	d, err := h.deps.Engine.Authorize(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handlers) tools(w http.ResponseWriter, r *http.Request) {
	pol := h.deps.Engine.Policy()
	out := make([]any, 0, len(pol.Tools))
	for _, name := range pol.ToolNames() {
		out = append(out, pol.Tools[name])
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (h *handlers) balance(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	bal, err := h.ledger.Balance(r.Context(), h.deps.DB.Q(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	entries, err := h.ledger.Entries(r.Context(), h.deps.DB.Q(), userID, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": bal, "entries": nonNil(entries)})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	module := r.URL.Query().Get("module")
	if module == "" {
		writeError(w, h.logger, fmt.Errorf("%w: module query parameter required", errBadRequest))
		return
	}
	snap, err := h.deps.Engine.Status(r.Context(), r.PathValue("id"), module)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) listAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := attempts.QueryOpts{
		UserID:   q.Get("user_id"),
		ToolName: q.Get("tool_name"),
		Module:   q.Get("module"),
		Reason:   q.Get("reason"),
	}
	var err error
	if opts.Limit, err = queryLimit(r); err == nil {
		if opts.Since, err = querySince(r, h.now()); err == nil {
			opts.Allowed, err = queryBool(r, "allowed")
		}
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	recs, err := h.attempts.Query(r.Context(), h.deps.DB.Q(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": nonNil(recs)})
}

func (h *handlers) attemptSummary(w http.ResponseWriter, r *http.Request) {
	since, err := querySince(r, h.now())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if since.IsZero() {
		since = h.now().Add(-24 * time.Hour)
	}
	sum, err := h.attempts.Summary(r.Context(), h.deps.DB.Q(), r.URL.Query().Get("module"), since)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since, "tools": nonNil(sum)})
}

func (h *handlers) listViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := rules.ViolationQuery{RuleID: q.Get("rule_id"), UserID: q.Get("user_id"), ToolName: q.Get("tool_name")}
	var err error
	if opts.Limit, err = queryLimit(r); err == nil {
		opts.Since, err = querySince(r, h.now())
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	vs, err := h.rules.Violations(r.Context(), h.deps.DB.Q(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": nonNil(vs)})
}

func (h *handlers) listFlags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := enforcement.FlagQuery{UserID: q.Get("user_id"), ToolName: q.Get("tool_name"), Module: q.Get("module")}
	open, err := queryBool(r, "open")
	if err == nil {
		opts.Limit, err = queryLimit(r)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	opts.OpenOnly = open != nil && *open
	flags, err := h.enforcement.Flags(r.Context(), h.deps.DB.Q(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": nonNil(flags)})
}

func (h *handlers) listEnforcement(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := enforcement.ListOpts{UserID: q.Get("user_id"), Module: q.Get("module"), Kind: enforcement.Kind(q.Get("kind"))}
	active, err := queryBool(r, "active")
	if err == nil {
		opts.Limit, err = queryLimit(r)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	opts.ActiveOnly = active != nil && *active
	sts, err := h.enforcement.List(r.Context(), h.deps.DB.Q(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": nonNil(sts)})
}

func (h *handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.QueryOpts{Module: q.Get("module"), Action: q.Get("action"), Target: q.Get("target"), DecidedBy: q.Get("decided_by")}
	var err error
	if opts.Limit, err = queryLimit(r); err == nil {
		opts.Since, err = querySince(r, h.now())
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	entries, err := h.audit.Query(r.Context(), h.deps.DB.Q(), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

// nonNil keeps empty lists as [] in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// requireAdmin rejects non-admin callers before the body is read.
func requireAdmin(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (admin.Identity, bool) {
	id := actorFrom(r.Context())
	if id.ID == "" || id.Role != admin.RoleAdmin {
		writeError(w, logger, admin.ErrForbidden)
		return id, false
	}
	return id, true
}

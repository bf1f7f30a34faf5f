package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oktsec/toolgate/internal/enforcement"
	"github.com/oktsec/toolgate/internal/rules"
)

type creditsRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type ruleRequest struct {
	Name         string          `json:"name"`
	TargetModule string          `json:"target_module"`
	Condition    json.RawMessage `json:"condition"`
	Action       rules.Action    `json:"action"`
	Enabled      *bool           `json:"enabled,omitempty"`
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

type enforceRequest struct {
	UserID          string            `json:"user_id"`
	Module          string            `json:"module"`
	Feature         string            `json:"feature,omitempty"`
	Level           enforcement.Level `json:"level,omitempty"`
	DurationMinutes int               `json:"duration_minutes,omitempty"`
	Until           *time.Time        `json:"until,omitempty"`
	Reason          string            `json:"reason,omitempty"`
}

func (h *handlers) grantCredits(w http.ResponseWriter, r *http.Request) {
	h.credits(w, r, true)
}

func (h *handlers) deductCredits(w http.ResponseWriter, r *http.Request) {
	h.credits(w, r, false)
}

func (h *handlers) credits(w http.ResponseWriter, r *http.Request, grant bool) {
	actor, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	var req creditsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	op := h.deps.Admin.DeductCredits
	if grant {
		op = h.deps.Admin.GrantCredits
	}
	out, err := op(r.Context(), actor, req.UserID, req.Amount, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) refundAttempt(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	out, err := h.deps.Admin.RefundAttempt(r.Context(), actor, r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) listRules(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	enabled, err := queryBool(r, "enabled")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	list, err := h.rules.List(r.Context(), h.deps.DB.Q(), rules.ListOpts{
		Module:      r.URL.Query().Get("module"),
		EnabledOnly: enabled != nil && *enabled,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": nonNil(list)})
}

func (h *handlers) createRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	var req ruleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if len(req.Condition) == 0 {
		writeError(w, h.logger, fmt.Errorf("%w: condition required", rules.ErrInvalidCondition))
		return
	}
	cond, err := rules.ParseCondition(req.Condition)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	enabled := req.Enabled == nil || *req.Enabled
	created, err := h.deps.Admin.CreateRule(r.Context(), actor, rules.Rule{
		Name:         req.Name,
		TargetModule: req.TargetModule,
		Condition:    cond,
		Action:       req.Action,
		Enabled:      enabled,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handlers) toggleRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	var req toggleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	rule, changed, err := h.deps.Admin.ToggleRule(r.Context(), actor, r.PathValue("id"), req.Enabled)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule": rule, "changed": changed})
}

func (h *handlers) decodeEnforce(w http.ResponseWriter, r *http.Request) (enforceRequest, bool) {
	var req enforceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return req, false
	}
	return req, true
}

func (h *handlers) imposeShadowban(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	req, ok := h.decodeEnforce(w, r)
	if !ok {
		return
	}
	until := req.Until
	if until == nil && req.DurationMinutes > 0 {
		t := h.now().Add(time.Duration(req.DurationMinutes) * time.Minute)
		until = &t
	}
	out, err := h.deps.Admin.ImposeShadowban(r.Context(), actor, req.UserID, req.Module, req.Reason, until)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) imposeThrottle(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	req, ok := h.decodeEnforce(w, r)
	if !ok {
		return
	}
	out, err := h.deps.Admin.ImposeThrottle(r.Context(), actor, req.UserID, req.Module, req.Level, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) imposeCooldown(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	req, ok := h.decodeEnforce(w, r)
	if !ok {
		return
	}
	d := time.Duration(req.DurationMinutes) * time.Minute
	out, err := h.deps.Admin.ImposeCooldown(r.Context(), actor, req.UserID, req.Module, req.Feature, d, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) imposeKillSwitch(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	req, ok := h.decodeEnforce(w, r)
	if !ok {
		return
	}
	out, err := h.deps.Admin.ImposeKillSwitch(r.Context(), actor, req.Module, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	changed, err := h.deps.Admin.Resolve(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "changed": changed})
}

func (h *handlers) restoreUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	n, err := h.deps.Admin.RestoreUser(r.Context(), actor, r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": r.PathValue("id"), "lifted": n})
}

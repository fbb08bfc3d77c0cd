package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentrypulse/sentrypulse/internal/ingest"
	"github.com/sentrypulse/sentrypulse/pkg/alerting"
)

type apiHandlers struct {
	deps   Deps
	logger *zap.Logger
	hub    *streamHub
}

// handleIngest accepts a batch of metric points (spec §4.6, §6).
//
//	@Summary		Ingest metric points
//	@Description	Normalizes, dedups, and stores a batch of metric points for one tenant.
//	@Tags			ingest
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ingest.Request	true	"Ingest envelope"
//	@Success		200		{object}	ingest.Response
//	@Router			/api/v1/ingest [post]
func (a *apiHandlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "malformed ingest envelope: "+err.Error(), r.URL.Path)
		return
	}

	resp, err := a.deps.Ingest.Ingest(r.Context(), req)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListRules lists alert rules for a tenant.
//
//	@Summary		List alert rules
//	@Tags			rules
//	@Produce		json
//	@Param			tenant_id	query		string	true	"Tenant id"
//	@Success		200			{array}		alerting.Rule
//	@Router			/api/v1/rules [get]
func (a *apiHandlers) handleListRules(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		BadRequest(w, "tenant_id query parameter is required", r.URL.Path)
		return
	}
	rules, err := a.deps.RuleStore.ListByTenant(r.Context(), tenantID)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// handleCreateRule creates a new alert rule.
//
//	@Summary		Create an alert rule
//	@Tags			rules
//	@Accept			json
//	@Produce		json
//	@Param			rule	body		alerting.Rule	true	"Rule definition"
//	@Success		201		{object}	alerting.Rule
//	@Router			/api/v1/rules [post]
func (a *apiHandlers) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule alerting.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		BadRequest(w, "malformed rule: "+err.Error(), r.URL.Path)
		return
	}
	if rule.TenantID == "" || rule.MetricKey == "" {
		BadRequest(w, "tenant_id and metric_key are required", r.URL.Path)
		return
	}
	if rule.RuleID == "" {
		rule.RuleID = uuid.NewString()
	}

	if err := a.deps.RuleStore.Save(r.Context(), rule); err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	if rule.Enabled {
		a.deps.Rules.RegisterRule(rule)
	}
	writeJSON(w, http.StatusCreated, rule)
}

// handleGetRule returns one rule by id.
//
//	@Summary		Get an alert rule
//	@Tags			rules
//	@Produce		json
//	@Param			ruleID	path		string	true	"Rule id"
//	@Success		200		{object}	alerting.Rule
//	@Router			/api/v1/rules/{ruleID} [get]
func (a *apiHandlers) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")
	rule, err := a.deps.RuleStore.Get(r.Context(), ruleID)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	if rule == nil {
		NotFound(w, "rule not found", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleUpdateRule replaces an existing rule's definition.
//
//	@Summary		Update an alert rule
//	@Tags			rules
//	@Accept			json
//	@Produce		json
//	@Param			ruleID	path		string			true	"Rule id"
//	@Param			rule	body		alerting.Rule	true	"Updated rule definition"
//	@Success		200		{object}	alerting.Rule
//	@Router			/api/v1/rules/{ruleID} [patch]
func (a *apiHandlers) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")
	existing, err := a.deps.RuleStore.Get(r.Context(), ruleID)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	if existing == nil {
		NotFound(w, "rule not found", r.URL.Path)
		return
	}

	var rule alerting.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		BadRequest(w, "malformed rule: "+err.Error(), r.URL.Path)
		return
	}
	rule.RuleID = ruleID
	rule.TenantID = existing.TenantID

	if err := a.deps.RuleStore.Save(r.Context(), rule); err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	if rule.Enabled {
		a.deps.Rules.RegisterRule(rule)
	} else {
		a.deps.Rules.UnregisterRule(ruleID)
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleDeleteRule removes a rule.
//
//	@Summary		Delete an alert rule
//	@Tags			rules
//	@Param			ruleID	path	string	true	"Rule id"
//	@Success		204
//	@Router			/api/v1/rules/{ruleID} [delete]
func (a *apiHandlers) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")
	if err := a.deps.RuleStore.Delete(r.Context(), ruleID); err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	a.deps.Rules.UnregisterRule(ruleID)
	w.WriteHeader(http.StatusNoContent)
}

type actorRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// handleAcknowledge transitions an alert to acknowledged (spec §4.15).
//
//	@Summary		Acknowledge an alert
//	@Tags			alerts
//	@Accept			json
//	@Produce		json
//	@Param			alertID	path		string			true	"Alert id"
//	@Param			body	body		actorRequest	false	"Acknowledging actor"
//	@Success		200		{object}	alerting.State
//	@Router			/api/v1/alerts/{alertID}/acknowledge [post]
func (a *apiHandlers) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	var body actorRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	state, err := a.deps.Lifecycle.Acknowledge(r.Context(), alertID, body.Actor)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	if state.AlertID == "" {
		NotFound(w, "alert not found", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleResolve transitions an alert to resolved (spec §4.15).
//
//	@Summary		Resolve an alert
//	@Tags			alerts
//	@Accept			json
//	@Produce		json
//	@Param			alertID	path		string			true	"Alert id"
//	@Param			body	body		actorRequest	false	"Resolving actor and reason"
//	@Success		200		{object}	alerting.State
//	@Router			/api/v1/alerts/{alertID}/resolve [post]
func (a *apiHandlers) handleResolve(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	var body actorRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	state, err := a.deps.Lifecycle.Resolve(r.Context(), alertID, body.Actor, body.Reason)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	if state.AlertID == "" {
		NotFound(w, "alert not found", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleAlertHistory returns every transition recorded for an alert
// (supplemented feature: spec.md §4.15 says transitions are recorded but
// never names a read path).
//
//	@Summary		Get an alert's transition history
//	@Tags			alerts
//	@Produce		json
//	@Param			alertID	path		string	true	"Alert id"
//	@Success		200		{array}		alerting.HistoryEntry
//	@Router			/api/v1/alerts/{alertID}/history [get]
func (a *apiHandlers) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	history, err := a.deps.History.ListHistory(r.Context(), alertID)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleTenantStats returns per-tenant alert counts and MTTR/MTFR.
//
//	@Summary		Get tenant alert statistics
//	@Tags			alerts
//	@Produce		json
//	@Param			tenantID	path		string	true	"Tenant id"
//	@Success		200			{object}	alerting.TenantStats
//	@Router			/api/v1/alerts/stats/{tenantID} [get]
func (a *apiHandlers) handleTenantStats(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	stats, err := a.deps.Lifecycle.Stats(r.Context(), tenantID)
	if err != nil {
		InternalError(w, err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

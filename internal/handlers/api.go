package handlers

import (
	"net/http"
	"strings"

	"github.com/rodovia/alertcore/internal/api"
	"github.com/rodovia/alertcore/internal/database"
	"github.com/rodovia/alertcore/internal/notify"
	"github.com/rodovia/alertcore/internal/services"
)

// APIHandler serves the operator API
type APIHandler struct {
	alerts        *services.AlertService
	devices       *services.DeviceAlertService
	rules         *services.RuleService
	ingest        *services.IngestService
	notifications *notify.Dispatcher
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(
	alertSvc *services.AlertService,
	deviceSvc *services.DeviceAlertService,
	ruleSvc *services.RuleService,
	ingestSvc *services.IngestService,
	dispatcher *notify.Dispatcher,
) *APIHandler {
	return &APIHandler{
		alerts:        alertSvc,
		devices:       deviceSvc,
		rules:         ruleSvc,
		ingest:        ingestSvc,
		notifications: dispatcher,
	}
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	// Alerts
	mux.HandleFunc("GET /api/alerts", h.handleListAlerts)
	mux.HandleFunc("GET /api/alerts/{id}", h.handleGetAlert)
	mux.HandleFunc("POST /api/alerts/{id}/acknowledge", h.handleAcknowledge)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", h.handleResolve)
	mux.HandleFunc("POST /api/alerts/{id}/suppress", h.handleSuppress)
	mux.HandleFunc("GET /api/alerts/{id}/notifications", h.handleAlertNotifications)

	// Device alerts
	mux.HandleFunc("GET /api/device-alerts", h.handleListDeviceAlerts)
	mux.HandleFunc("POST /api/device-alerts/{id}/close", h.handleCloseDeviceAlert)

	// Rules
	mux.HandleFunc("GET /api/rules", h.handleListRules)
	mux.HandleFunc("POST /api/rules", h.handleCreateRule)
	mux.HandleFunc("GET /api/rules/{id}", h.handleGetRule)
	mux.HandleFunc("PUT /api/rules/{id}", h.handleUpdateRule)
	mux.HandleFunc("DELETE /api/rules/{id}", h.handleDeleteRule)

	// Dead letters
	mux.HandleFunc("GET /api/notifications/failed", h.handleFailedNotifications)
	mux.HandleFunc("GET /api/webhooks/failed", h.handleFailedWebhooks)
	mux.HandleFunc("POST /api/webhooks/{id}/replay", h.handleReplayWebhook)
}

// ========== Alerts ==========

// handleListAlerts handles GET /api/alerts?status=active,acknowledged&severity=&source_type=&alert_type=&sort=priority
func (h *APIHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := api.ParsePagination(r)

	filter := services.AlertFilter{
		Severity:   database.AlertSeverity(q.Get("severity")),
		SourceType: q.Get("source_type"),
		AlertType:  q.Get("alert_type"),
		SortBy:     q.Get("sort"),
		Limit:      p.Limit(),
		Offset:     p.Offset(),
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		api.RespondValidationError(w, map[string]string{"severity": "must be one of: critical high medium low"})
		return
	}
	for _, s := range strings.Split(q.Get("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.Statuses = append(filter.Statuses, database.AlertStatus(s))
		}
	}

	list, total, err := h.alerts.List(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondPage(w, api.AlertsToResponses(list, h.alerts.Now()), total, p)
}

// handleGetAlert handles GET /api/alerts/{id}
func (h *APIHandler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	alert, err := h.alerts.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.AlertToResponse(*alert, h.alerts.Now()))
}

// handleAcknowledge handles POST /api/alerts/{id}/acknowledge
func (h *APIHandler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	alert, err := h.alerts.Acknowledge(r.Context(), id, actor(r))
	h.respondAlert(w, r, alert, err)
}

// handleResolve handles POST /api/alerts/{id}/resolve with optional {"notes": ...}
func (h *APIHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req api.ResolveAlertRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	alert, err := h.alerts.Resolve(r.Context(), id, actor(r), req.Notes)
	h.respondAlert(w, r, alert, err)
}

// handleSuppress handles POST /api/alerts/{id}/suppress
func (h *APIHandler) handleSuppress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	alert, err := h.alerts.Suppress(r.Context(), id, actor(r))
	h.respondAlert(w, r, alert, err)
}

func (h *APIHandler) respondAlert(w http.ResponseWriter, r *http.Request, alert *database.Alert, err error) {
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.AlertToResponse(*alert, h.alerts.Now()))
}

// handleAlertNotifications handles GET /api/alerts/{id}/notifications
func (h *APIHandler) handleAlertNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.alerts.Get(r.Context(), id); err != nil {
		respondServiceError(w, r, err)
		return
	}
	logs, err := h.notifications.ListForAlert(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, logs)
}

// ========== Device alerts ==========

// handleListDeviceAlerts handles GET /api/device-alerts?status=open
func (h *APIHandler) handleListDeviceAlerts(w http.ResponseWriter, r *http.Request) {
	p := api.ParsePagination(r)
	status := database.DeviceAlertStatus(r.URL.Query().Get("status"))

	list, total, err := h.devices.List(r.Context(), status, p.Limit(), p.Offset())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondPage(w, api.DeviceAlertsToResponses(list, h.alerts.Now()), total, p)
}

// handleCloseDeviceAlert handles POST /api/device-alerts/{id}/close with optional {"comment": ...}
func (h *APIHandler) handleCloseDeviceAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req api.CloseDeviceAlertRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	record, err := h.devices.Close(r.Context(), id, actor(r), req.Comment)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, record)
}

// ========== Rules ==========

// handleListRules handles GET /api/rules
func (h *APIHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, rules)
}

// handleGetRule handles GET /api/rules/{id}
func (h *APIHandler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rule, err := h.rules.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, rule)
}

// handleCreateRule handles POST /api/rules
func (h *APIHandler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	if err := h.rules.Create(r.Context(), rule); err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusCreated, rule)
}

// handleUpdateRule handles PUT /api/rules/{id}. Existing alerts keep their schedule.
func (h *APIHandler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rule, ok := decodeRule(w, r)
	if !ok {
		return
	}
	rule.ID = id
	if err := h.rules.Update(r.Context(), rule); err != nil {
		respondServiceError(w, r, err)
		return
	}
	updated, err := h.rules.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, updated)
}

// handleDeleteRule handles DELETE /api/rules/{id}
func (h *APIHandler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.rules.Delete(r.Context(), id); err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondNoContent(w)
}

// decodeRule decodes and validates a rule body, answering 400/422 itself
func decodeRule(w http.ResponseWriter, r *http.Request) (*database.AlertRule, bool) {
	var req api.RuleRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return nil, false
	}
	rule := api.RuleFromRequest(req)
	if err := rule.Validate(); err != nil {
		api.RespondValidationError(w, map[string]string{"channels": err.Error()})
		return nil, false
	}
	return rule, true
}

// ========== Dead letters ==========

// handleFailedNotifications handles GET /api/notifications/failed
func (h *APIHandler) handleFailedNotifications(w http.ResponseWriter, r *http.Request) {
	p := api.ParsePagination(r)
	list, total, err := h.notifications.ListFailed(r.Context(), p.Limit(), p.Offset())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondPage(w, list, total, p)
}

// handleFailedWebhooks handles GET /api/webhooks/failed
func (h *APIHandler) handleFailedWebhooks(w http.ResponseWriter, r *http.Request) {
	p := api.ParsePagination(r)
	list, total, err := h.ingest.ListFailed(r.Context(), p.Limit(), p.Offset())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondPage(w, api.WebhookLogsToListItems(list), total, p)
}

// handleReplayWebhook handles POST /api/webhooks/{id}/replay
func (h *APIHandler) handleReplayWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	env, err := h.ingest.Replay(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	api.RespondJSON(w, http.StatusAccepted, api.WebhookLogsToListItems([]database.WebhookLog{*env})[0])
}

// ========== Helpers ==========

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := api.PathID(r, "id")
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}

func decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := api.DecodeOptionalJSON(r, dst); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if errs := api.Validate(dst); errs != nil {
		api.RespondValidationError(w, errs)
		return false
	}
	return true
}

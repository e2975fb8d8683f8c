// Package handlers exposes the HTTP control surface: incident queries and
// transitions, service catalog management, monitoring control, and the live
// websocket event feed.
package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/opswatch/opswatch/internal/analysis"
	"github.com/opswatch/opswatch/internal/api"
	"github.com/opswatch/opswatch/internal/database"
	"github.com/opswatch/opswatch/internal/events"
	"github.com/opswatch/opswatch/internal/monitor"
)

// APIHandler handles API endpoints for the UI and automation clients
type APIHandler struct {
	store   *database.IncidentStore
	monitor *monitor.Monitor
	cascade *analysis.Cascade
	hub     *EventHub

	// notifierReloader is called after Slack settings change so the
	// running notifier picks up the new configuration.
	notifierReloader func()
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(store *database.IncidentStore, m *monitor.Monitor, cascade *analysis.Cascade, hub *EventHub) *APIHandler {
	return &APIHandler{
		store:   store,
		monitor: m,
		cascade: cascade,
		hub:     hub,
	}
}

// SetNotifierReloader sets the callback invoked after Slack settings updates
func (h *APIHandler) SetNotifierReloader(fn func()) {
	h.notifierReloader = fn
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)

	// Monitoring control
	mux.HandleFunc("POST /api/monitoring/start", h.handleMonitoringStart)
	mux.HandleFunc("POST /api/monitoring/stop", h.handleMonitoringStop)
	mux.HandleFunc("GET /api/monitoring/status", h.handleMonitoringStatus)

	// Incidents
	mux.HandleFunc("GET /api/incidents", h.handleListIncidents)
	mux.HandleFunc("POST /api/incidents", h.handleCreateIncident)
	mux.HandleFunc("GET /api/incidents/{uuid}", h.handleGetIncident)
	mux.HandleFunc("GET /api/incidents/{uuid}/logs", h.handleGetIncidentLogs)
	mux.HandleFunc("PATCH /api/incidents/{uuid}/status", h.handleUpdateStatus)
	mux.HandleFunc("POST /api/incidents/{uuid}/analyze", h.handleAnalyzeIncident)
	mux.HandleFunc("POST /api/incidents/{uuid}/actions/{index}/approve", h.handleApproveAction)

	// Monitored services
	mux.HandleFunc("GET /api/services", h.handleListServices)
	mux.HandleFunc("POST /api/services", h.handleCreateService)
	mux.HandleFunc("GET /api/services/{id}", h.handleGetService)
	mux.HandleFunc("PUT /api/services/{id}", h.handleUpdateService)
	mux.HandleFunc("DELETE /api/services/{id}", h.handleDeleteService)

	// Slack settings
	mux.HandleFunc("GET /api/settings/slack", h.handleGetSlackSettings)
	mux.HandleFunc("PUT /api/settings/slack", h.handleUpdateSlackSettings)

	// Live event feed
	mux.HandleFunc("GET /ws/events", h.hub.HandleWS)
}

// handleHealth handles GET /health
func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"monitoring":         h.monitor.Running(),
		"backends_available": h.cascade.BackendsAvailable(),
	})
}

// ========== Monitoring control ==========

func (h *APIHandler) handleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	h.monitor.Start()
	h.respondMonitoringStatus(w)
}

func (h *APIHandler) handleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	h.monitor.Stop()
	h.respondMonitoringStatus(w)
}

func (h *APIHandler) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	h.respondMonitoringStatus(w)
}

func (h *APIHandler) respondMonitoringStatus(w http.ResponseWriter) {
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"running":           h.monitor.Running(),
		"cycle_interval_ms": h.monitor.Interval().Milliseconds(),
		"subscribers":       h.hub.Subscribers(),
	})
}

// ========== Incidents ==========

// handleListIncidents handles GET /api/incidents with optional status,
// service_id, category and severity filters plus pagination.
func (h *APIHandler) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	params := api.ParsePagination(r)
	filter := database.IncidentFilter{
		Limit:  params.PerPage,
		Offset: params.Offset(),
	}

	if v := r.URL.Query().Get("status"); v != "" {
		status := database.IncidentStatus(v)
		if !validStatus(status) {
			api.RespondError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
		filter.Statuses = []database.IncidentStatus{status}
	}
	if v := r.URL.Query().Get("service_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			api.RespondError(w, http.StatusBadRequest, "service_id must be an integer")
			return
		}
		sid := uint(id)
		filter.ServiceID = &sid
	}
	if v := r.URL.Query().Get("category"); v != "" {
		filter.Category = database.Category(v)
	}
	if v := r.URL.Query().Get("severity"); v != "" {
		filter.Severity = database.Severity(v)
	}

	total, err := h.store.CountIncidents(filter)
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}
	incidents, err := h.store.FindIncidents(filter)
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}

	api.RespondJSON(w, http.StatusOK, api.NewPaginated(incidents, params, total))
}

// handleCreateIncident handles POST /api/incidents for engineer-reported
// incidents.
func (h *APIHandler) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req api.CreateIncidentRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errs := api.Validate(&req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	incident := req.ToIncident()
	if incident.ServiceID != nil {
		svc, err := h.store.GetService(*incident.ServiceID)
		if err != nil {
			api.RespondStoreError(w, err)
			return
		}
		incident.ServiceName = svc.Name
	}

	if err := h.store.CreateIncident(incident, "Reported by engineer", database.LogLevelInfo); err != nil {
		api.RespondStoreError(w, err)
		return
	}

	log.Printf("Engineer reported incident %s (%s)", incident.UUID, incident.Title)
	h.hub.Publish(events.FromIncident(events.TypeIncidentCreated, incident, "reported by engineer"))
	api.RespondJSON(w, http.StatusCreated, incident)
}

func (h *APIHandler) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.store.GetIncidentByUUID(r.PathValue("uuid"))
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, incident)
}

func (h *APIHandler) handleGetIncidentLogs(w http.ResponseWriter, r *http.Request) {
	incident, err := h.store.GetIncidentByUUID(r.PathValue("uuid"))
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	logs, err := h.store.FindLogs(incident.ID, limit)
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, logs)
}

// handleUpdateStatus handles PATCH /api/incidents/{uuid}/status. The actor is
// always the engineer; system and AI transitions go through the monitor.
func (h *APIHandler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateStatusRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errs := api.Validate(&req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	newStatus := database.IncidentStatus(req.Status)
	var resolvedBy database.ResolvedBy
	if newStatus.IsResolvedLike() {
		resolvedBy = database.ResolvedByEngineer
	}

	incident, err := h.store.ChangeStatus(r.PathValue("uuid"), newStatus, database.ActorEngineer, req.Detail, resolvedBy)
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}

	h.hub.Publish(events.FromIncident(events.TypeStatusChanged, incident, req.Detail))
	api.RespondJSON(w, http.StatusOK, incident)
}

// handleAnalyzeIncident handles POST /api/incidents/{uuid}/analyze and runs
// the analysis cascade synchronously.
func (h *APIHandler) handleAnalyzeIncident(w http.ResponseWriter, r *http.Request) {
	result, err := h.cascade.Analyze(r.Context(), r.PathValue("uuid"))
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, result)
}

func (h *APIHandler) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "action index must be an integer")
		return
	}

	incident, err := h.store.ApproveAction(r.PathValue("uuid"), index, database.ActorEngineer)
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, incident)
}

// ========== Monitored services ==========

func (h *APIHandler) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.store.ListServices(false)
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, services)
}

func (h *APIHandler) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req api.CreateServiceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errs := api.Validate(&req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	svc := req.ToService()
	if err := h.store.CreateService(svc); err != nil {
		api.RespondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusCreated, svc)
}

func (h *APIHandler) handleGetService(w http.ResponseWriter, r *http.Request) {
	id, ok := parseServiceID(w, r)
	if !ok {
		return
	}
	svc, err := h.store.GetService(id)
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, svc)
}

func (h *APIHandler) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	id, ok := parseServiceID(w, r)
	if !ok {
		return
	}

	var req api.UpdateServiceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errs := api.Validate(&req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	svc, err := h.store.GetService(id)
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}
	req.ApplyTo(svc)

	updated, err := h.store.UpdateService(id, map[string]interface{}{
		"name":        svc.Name,
		"base_url":    svc.BaseURL,
		"probe_paths": svc.ProbePaths,
		"enabled":     svc.Enabled,
	})
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, updated)
}

func (h *APIHandler) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	id, ok := parseServiceID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteService(id); err != nil {
		api.RespondStoreError(w, err)
		return
	}
	api.RespondNoContent(w)
}

func parseServiceID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		api.RespondError(w, http.StatusBadRequest, "service id must be an integer")
		return 0, false
	}
	return uint(id), true
}

// ========== Slack settings ==========

func (h *APIHandler) handleGetSlackSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := database.GetSlackSettings()
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"channel":    settings.Channel,
		"enabled":    settings.Enabled,
		"configured": settings.BotToken != "",
	})
}

func (h *APIHandler) handleUpdateSlackSettings(w http.ResponseWriter, r *http.Request) {
	var req api.SlackSettingsRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings, err := database.GetSlackSettings()
	if err != nil {
		api.RespondStoreError(w, err)
		return
	}
	if req.BotToken != "" {
		settings.BotToken = req.BotToken
	}
	if req.Channel != "" {
		settings.Channel = req.Channel
	}
	if req.Enabled != nil {
		settings.Enabled = *req.Enabled
	}

	if err := database.UpdateSlackSettings(settings); err != nil {
		api.RespondStoreError(w, err)
		return
	}
	if h.notifierReloader != nil {
		go h.notifierReloader()
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"channel":    settings.Channel,
		"enabled":    settings.Enabled,
		"configured": settings.BotToken != "",
	})
}

func validStatus(status database.IncidentStatus) bool {
	for _, s := range database.ValidIncidentStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

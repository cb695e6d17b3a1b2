// Package api exposes the router's read-only monitoring surface and health
// probes as JSON over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.flowcatalyst.tech/internal/router/health"
)

// InFlightMessagesGetter lists messages currently being mediated.
type InFlightMessagesGetter interface {
	GetInFlightMessages(limit int, messageID string) []*health.InFlightMessage
}

// WarningMutator acknowledges and clears operator warnings.
type WarningMutator interface {
	AcknowledgeWarning(id string) bool
	ClearAllWarnings()
	ClearOldWarnings(hours int)
}

// WarningSeverityGetter filters warnings by severity.
type WarningSeverityGetter interface {
	GetWarningsBySeverity(severity string) []*health.Warning
}

// CircuitBreakerMutator inspects and resets mediator circuit breakers.
type CircuitBreakerMutator interface {
	GetCircuitBreakerState(name string) string
	ResetCircuitBreaker(name string) bool
	ResetAllCircuitBreakers()
}

// MonitoringHandler serves the /monitoring/* endpoints. Collaborators beyond
// the health status service are optional; endpoints whose collaborator is
// missing return empty collections rather than errors.
type MonitoringHandler struct {
	healthStatus          *health.HealthStatusService
	poolMetrics           health.PoolMetricsProvider
	queueMetrics          health.QueueStatsGetter
	warningService        health.WarningGetter
	warningSeverityGetter WarningSeverityGetter
	warningMutator        WarningMutator
	circuitBreakers       health.CircuitBreakerGetter
	circuitBrMutator      CircuitBreakerMutator
	inFlightGetter        InFlightMessagesGetter
}

// NewMonitoringHandler creates the handler over the required collaborators.
func NewMonitoringHandler(
	healthStatus *health.HealthStatusService,
	poolMetrics health.PoolMetricsProvider,
) *MonitoringHandler {
	return &MonitoringHandler{
		healthStatus: healthStatus,
		poolMetrics:  poolMetrics,
	}
}

// SetQueueMetrics wires the queue-source stats provider.
func (h *MonitoringHandler) SetQueueMetrics(qm health.QueueStatsGetter) {
	h.queueMetrics = qm
}

// SetWarningService wires warning reads and mutations. Severity filtering is
// picked up when the getter supports it.
func (h *MonitoringHandler) SetWarningService(ws health.WarningGetter, wm WarningMutator) {
	h.warningService = ws
	h.warningMutator = wm
	if sg, ok := ws.(WarningSeverityGetter); ok {
		h.warningSeverityGetter = sg
	}
}

// SetCircuitBreakerService wires breaker stats and mutations.
func (h *MonitoringHandler) SetCircuitBreakerService(cb health.CircuitBreakerGetter, cbm CircuitBreakerMutator) {
	h.circuitBreakers = cb
	h.circuitBrMutator = cbm
}

// SetInFlightGetter wires the in-flight message listing.
func (h *MonitoringHandler) SetInFlightGetter(ifg InFlightMessagesGetter) {
	h.inFlightGetter = ifg
}

// RegisterRoutes mounts every monitoring endpoint on mux.
func (h *MonitoringHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/monitoring/health", h.GetHealthStatus)
	mux.HandleFunc("/monitoring/queue-stats", h.GetQueueStats)
	mux.HandleFunc("/monitoring/pool-stats", h.GetPoolStats)
	mux.HandleFunc("/monitoring/warnings", h.handleWarnings)
	mux.HandleFunc("/monitoring/warnings/unacknowledged", h.GetUnacknowledgedWarnings)
	mux.HandleFunc("/monitoring/warnings/old", h.ClearOldWarnings)
	mux.HandleFunc("/monitoring/warnings/", h.handleWarningSubpath)
	mux.HandleFunc("/monitoring/circuit-breakers", h.handleCircuitBreakers)
	mux.HandleFunc("/monitoring/circuit-breakers/reset-all", h.ResetAllCircuitBreakers)
	mux.HandleFunc("/monitoring/circuit-breakers/", h.handleCircuitBreakerSubpath)
	mux.HandleFunc("/monitoring/in-flight-messages", h.GetInFlightMessages)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	json.NewEncoder(w).Encode(body)
}

// GetHealthStatus serves GET /monitoring/health.
func (h *MonitoringHandler) GetHealthStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	respondJSON(w, http.StatusOK, h.healthStatus.GetHealthStatus())
}

// GetQueueStats serves GET /monitoring/queue-stats.
func (h *MonitoringHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	stats := make(map[string]*health.QueueStats)
	if h.queueMetrics != nil {
		stats = h.queueMetrics.GetAllQueueStats()
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetPoolStats serves GET /monitoring/pool-stats.
func (h *MonitoringHandler) GetPoolStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	stats := make(map[string]*health.PoolStats)
	if h.poolMetrics != nil {
		stats = h.poolMetrics.GetAllPoolStats()
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetAllWarnings serves GET /monitoring/warnings.
func (h *MonitoringHandler) GetAllWarnings(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	warnings := []*health.Warning{}
	if h.warningService != nil {
		warnings = h.warningService.GetAllWarnings()
	}
	respondJSON(w, http.StatusOK, warnings)
}

// GetUnacknowledgedWarnings serves GET /monitoring/warnings/unacknowledged.
func (h *MonitoringHandler) GetUnacknowledgedWarnings(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	warnings := []*health.Warning{}
	if h.warningService != nil {
		warnings = h.warningService.GetUnacknowledgedWarnings()
	}
	respondJSON(w, http.StatusOK, warnings)
}

// GetWarningsBySeverity serves GET /monitoring/warnings/severity/{severity}.
func (h *MonitoringHandler) GetWarningsBySeverity(w http.ResponseWriter, r *http.Request, severity string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	warnings := []*health.Warning{}
	if h.warningSeverityGetter != nil {
		warnings = h.warningSeverityGetter.GetWarningsBySeverity(severity)
	}
	respondJSON(w, http.StatusOK, warnings)
}

// AcknowledgeWarning serves POST /monitoring/warnings/{id}/acknowledge.
func (h *MonitoringHandler) AcknowledgeWarning(w http.ResponseWriter, r *http.Request, warningID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if h.warningMutator != nil && h.warningMutator.AcknowledgeWarning(warningID) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}
	respondJSON(w, http.StatusNotFound, map[string]string{"status": "error", "message": "Warning not found"})
}

// ClearAllWarnings serves DELETE /monitoring/warnings.
func (h *MonitoringHandler) ClearAllWarnings(w http.ResponseWriter, r *http.Request) {
	if h.warningMutator != nil {
		h.warningMutator.ClearAllWarnings()
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// ClearOldWarnings serves DELETE /monitoring/warnings/old?hours=24.
func (h *MonitoringHandler) ClearOldWarnings(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodDelete) {
		return
	}

	hours := 24
	if hoursParam := r.URL.Query().Get("hours"); hoursParam != "" {
		if parsed, err := strconv.Atoi(hoursParam); err == nil {
			hours = parsed
		}
	}

	if h.warningMutator != nil {
		h.warningMutator.ClearOldWarnings(hours)
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// GetCircuitBreakerStats serves GET /monitoring/circuit-breakers.
func (h *MonitoringHandler) GetCircuitBreakerStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	stats := make(map[string]*health.CircuitBreakerStats)
	if h.circuitBreakers != nil {
		stats = h.circuitBreakers.GetAllCircuitBreakerStats()
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetCircuitBreakerState serves GET /monitoring/circuit-breakers/{name}/state.
func (h *MonitoringHandler) GetCircuitBreakerState(w http.ResponseWriter, r *http.Request, name string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	state := "UNKNOWN"
	if h.circuitBrMutator != nil {
		state = h.circuitBrMutator.GetCircuitBreakerState(name)
	}
	respondJSON(w, http.StatusOK, map[string]string{"name": name, "state": state})
}

// ResetCircuitBreaker serves POST /monitoring/circuit-breakers/{name}/reset.
func (h *MonitoringHandler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request, name string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if h.circuitBrMutator != nil && h.circuitBrMutator.ResetCircuitBreaker(name) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	}
	respondJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "Failed to reset circuit breaker"})
}

// ResetAllCircuitBreakers serves POST /monitoring/circuit-breakers/reset-all.
func (h *MonitoringHandler) ResetAllCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	if h.circuitBrMutator != nil {
		h.circuitBrMutator.ResetAllCircuitBreakers()
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// GetInFlightMessages serves GET /monitoring/in-flight-messages, optionally
// filtered by limit and messageId.
func (h *MonitoringHandler) GetInFlightMessages(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := 100
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil {
			limit = parsed
		}
	}
	messageID := r.URL.Query().Get("messageId")

	messages := []*health.InFlightMessage{}
	if h.inFlightGetter != nil {
		messages = h.inFlightGetter.GetInFlightMessages(limit, messageID)
	}
	respondJSON(w, http.StatusOK, messages)
}

// handleWarnings dispatches GET/DELETE for /monitoring/warnings.
func (h *MonitoringHandler) handleWarnings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.GetAllWarnings(w, r)
	case http.MethodDelete:
		h.ClearAllWarnings(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCircuitBreakers dispatches GET for /monitoring/circuit-breakers.
func (h *MonitoringHandler) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.GetCircuitBreakerStats(w, r)
}

// handleWarningSubpath dispatches the path-parameterized warning endpoints:
// severity/{severity} and {id}/acknowledge.
func (h *MonitoringHandler) handleWarningSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/monitoring/warnings/")

	if severity, ok := strings.CutPrefix(rest, "severity/"); ok {
		if severity == "" {
			http.Error(w, "Severity parameter required", http.StatusBadRequest)
			return
		}
		h.GetWarningsBySeverity(w, r, severity)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/acknowledge"); ok && id != "" {
		h.AcknowledgeWarning(w, r, id)
		return
	}

	http.NotFound(w, r)
}

// handleCircuitBreakerSubpath dispatches {name}/state and {name}/reset.
func (h *MonitoringHandler) handleCircuitBreakerSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/monitoring/circuit-breakers/")

	if name, ok := strings.CutSuffix(rest, "/state"); ok && name != "" {
		h.GetCircuitBreakerState(w, r, name)
		return
	}
	if name, ok := strings.CutSuffix(rest, "/reset"); ok && name != "" {
		h.ResetCircuitBreaker(w, r, name)
		return
	}

	http.NotFound(w, r)
}

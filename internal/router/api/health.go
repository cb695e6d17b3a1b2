package api

import (
	"encoding/json"
	"net/http"

	"go.flowcatalyst.tech/internal/router/health"
)

// HealthCheckHandler serves the router-level infrastructure health judgment
// (pool stall detection, queue manager state) at GET /health.
type HealthCheckHandler struct {
	infraHealth *health.InfrastructureHealthService
}

// NewHealthCheckHandler creates the handler.
func NewHealthCheckHandler(infraHealth *health.InfrastructureHealthService) *HealthCheckHandler {
	return &HealthCheckHandler{
		infraHealth: infraHealth,
	}
}

func (h *HealthCheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result := h.infraHealth.CheckHealth()

	w.Header().Set("Content-Type", "application/json")
	if result.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(result)
}

// KubernetesHealthHandler serves liveness/readiness/startup probes built on
// the router's infrastructure and queue-source health services.
type KubernetesHealthHandler struct {
	infraHealth  *health.InfrastructureHealthService
	brokerHealth *health.BrokerHealthService
}

// NewKubernetesHealthHandler creates the probe handler.
func NewKubernetesHealthHandler(
	infraHealth *health.InfrastructureHealthService,
	brokerHealth *health.BrokerHealthService,
) *KubernetesHealthHandler {
	return &KubernetesHealthHandler{
		infraHealth:  infraHealth,
		brokerHealth: brokerHealth,
	}
}

// Liveness answers 200 whenever the process can serve the request. It
// deliberately checks no external dependency: a broker outage must not get
// the pod restarted.
func (h *KubernetesHealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := health.NewHealthyStatus("ALIVE")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// Readiness answers 200 only when the router infrastructure is healthy and
// the queue source is reachable.
func (h *KubernetesHealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var issues []string

	if h.infraHealth != nil {
		infraHealth := h.infraHealth.CheckHealth()
		if !infraHealth.Healthy && infraHealth.Issues != nil {
			issues = append(issues, infraHealth.Issues...)
		}
	}

	if h.brokerHealth != nil {
		issues = append(issues, h.brokerHealth.CheckBrokerConnectivity()...)
	}

	ready := len(issues) == 0

	var status *health.ReadinessStatus
	if ready {
		status = health.NewHealthyStatus("READY")
	} else {
		status = health.NewUnhealthyStatus("NOT_READY", issues)
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Startup currently shares the readiness judgment; the probe exists so
// deployments can give startup a more lenient failure threshold.
func (h *KubernetesHealthHandler) Startup(w http.ResponseWriter, r *http.Request) {
	h.Readiness(w, r)
}

// RegisterRoutes mounts the probe endpoints on mux.
func (h *KubernetesHealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", h.Liveness)
	mux.HandleFunc("/health/ready", h.Readiness)
	mux.HandleFunc("/health/startup", h.Startup)
}

package warning

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the warning feed over HTTP.
type Handler struct {
	service Service
}

// NewHandler creates the HTTP handler over service.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the /warnings subtree on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/warnings", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/unacknowledged", h.ListUnacknowledged)
		r.Get("/severity/{severity}", h.ListBySeverity)
		r.Post("/{id}/acknowledge", h.Acknowledge)
		r.Delete("/", h.ClearAll)
		r.Delete("/old", h.ClearOld)
	})
}

// List returns every warning.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetAllWarnings())
}

// ListUnacknowledged returns warnings no operator has acknowledged yet.
func (h *Handler) ListUnacknowledged(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetUnacknowledgedWarnings())
}

// ListBySeverity filters the feed by the severity path parameter.
func (h *Handler) ListBySeverity(w http.ResponseWriter, r *http.Request) {
	severity := chi.URLParam(r, "severity")
	writeJSON(w, http.StatusOK, h.service.GetWarningsBySeverity(severity))
}

// Acknowledge marks one warning as seen.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.service.AcknowledgeWarning(id) {
		w.WriteHeader(http.StatusNoContent)
	} else {
		http.Error(w, "Warning not found", http.StatusNotFound)
	}
}

// ClearAll empties the feed.
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	h.service.ClearAllWarnings()
	w.WriteHeader(http.StatusNoContent)
}

// ClearOld drops warnings older than the "hours" query parameter
// (default 24).
func (h *Handler) ClearOld(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if hoursStr := r.URL.Query().Get("hours"); hoursStr != "" {
		if parsed, err := strconv.Atoi(hoursStr); err == nil && parsed > 0 {
			hours = parsed
		}
	}
	h.service.ClearOldWarnings(hours)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

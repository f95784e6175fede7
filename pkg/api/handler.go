package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/writemesh/writemesh/internal/coord"
	"github.com/writemesh/writemesh/internal/logger"
)

// Handler exposes the coordinator over HTTP. The status endpoint is the
// advisory precondition a resource owner checks before opening the
// single-writer resource; nothing here enforces a lock at runtime.
type Handler struct {
	coordinator *coord.Coordinator
	logger      *logrus.Entry
}

// NewHTTPHandler creates an HTTP handler with all routes configured
func NewHTTPHandler(coordinator *coord.Coordinator) http.Handler {
	handler := &Handler{
		coordinator: coordinator,
		logger:      logger.NewForComponent("http-api"),
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/coordinator", func(r chi.Router) {
			r.Get("/status", handler.getStatus)
			r.Post("/focus", handler.requestFocus)
			r.Post("/resume", handler.resume)
		})

		r.Get("/health", handler.getHealth)
		r.Get("/info", handler.getInfo)
	})

	r.Get("/", handler.getIndex)

	return r
}

// getStatus returns the coordinator's current projection and state
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.coordinator.Status())
}

// requestFocus broadcasts a focus request so the current primary's host
// requests user attention
func (h *Handler) requestFocus(w http.ResponseWriter, r *http.Request) {
	h.coordinator.RequestFocus()

	response := map[string]interface{}{
		"requested":  true,
		"primary_id": h.coordinator.PrimaryID(),
		"timestamp":  time.Now().UTC(),
	}
	h.writeJSON(w, http.StatusAccepted, response)
}

// resume triggers a re-announcement, for hosts that detect foreground
// visibility themselves rather than through signals
func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.coordinator.Resume()

	response := map[string]interface{}{
		"resumed":   true,
		"timestamp": time.Now().UTC(),
	}
	h.writeJSON(w, http.StatusAccepted, response)
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	status := h.coordinator.Status()

	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"components": map[string]interface{}{
			"coordinator": status,
		},
	}

	if status.State == "terminated" {
		response["status"] = "unhealthy"
		response["error"] = "coordinator is terminated"
	}

	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"name":       "writemesh",
		"version":    "1.0.0",
		"peer_id":    h.coordinator.ID(),
		"is_primary": h.coordinator.IsPrimary(),
		"primary_id": h.coordinator.PrimaryID(),
		"timestamp":  time.Now().UTC(),
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) getIndex(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service": "writemesh single-writer arbitration",
		"status":  "running",
		"api":     "/api/v1",
		"health":  "/api/v1/health",
	}

	h.writeJSON(w, http.StatusOK, response)
}

// Helper methods

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if statusCode > 0 {
		w.WriteHeader(statusCode)
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to write JSON response")
	}
}

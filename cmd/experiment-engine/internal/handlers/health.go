package handlers

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HealthHandler serves the unauthenticated liveness/readiness probe.
type HealthHandler struct {
	logger zerolog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{logger: logger}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "experiment-engine",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

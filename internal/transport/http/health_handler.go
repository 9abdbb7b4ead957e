package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Pinger checks a dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves health checks
type HealthHandler struct {
	storage Pinger
	version string
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a health handler
func NewHealthHandler(storage Pinger, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		storage: storage,
		version: version,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks"`
}

// HealthCheck handles GET /health. It answers 503 when storage is unreachable.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Checks:  map[string]string{"storage": "ok"},
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.storage.Ping(ctx); err != nil {
		h.logger.ErrorContext(r.Context(), "Storage health check failed", slog.String("error", err.Error()))
		resp.Status = "unhealthy"
		resp.Checks["storage"] = err.Error()
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

// LivenessCheck handles GET /health/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "alive"})
}

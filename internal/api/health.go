package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/educator/internal/crew"
	"github.com/go-chi/chi/v5"
)

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EngineChecker reports the health of a remote engine.
type EngineChecker interface {
	Health(ctx context.Context) (*crew.HealthStatus, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db      Pinger
	engine  EngineChecker
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. engine may be nil when the
// engine runs in-process.
func NewHealthHandler(db Pinger, engine EngineChecker, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{db: db, engine: engine, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "database", "error", err)
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// The engine only matters once a generation is requested.
	if h.engine != nil {
		if hs, err := h.engine.Health(ctx); err != nil {
			slog.Warn("Health check failed", "dependency", "engine", "error", err)
			checks["engine"] = "unreachable"
		} else {
			checks["engine"] = hs.Status
		}
	}

	status := "healthy"
	if statusCode != http.StatusOK || checks["engine"] == "unreachable" {
		status = "degraded"
	}
	JSON(w, statusCode, map[string]any{"status": status, "checks": checks})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Package handler provides HTTP handlers for the admin API. Handlers call
// the notification engine directly; there is no service layer.
package handler

import (
	"context"
	"net/http"

	"github.com/albapepper/agencyops/internal/api/respond"
	"github.com/albapepper/agencyops/internal/notifications"
)

// Engine is the part of notifications.Engine the API drives.
type Engine interface {
	Enqueue(ctx context.Context, ev notifications.Event) (notifications.EnqueueResult, error)
	QueueStatus(ctx context.Context) (notifications.QueueStatus, error)
	RunOnce(ctx context.Context) (notifications.BatchResult, error)
}

// HealthChecker verifies database connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsProvider reports cache statistics.
type StatsProvider interface {
	Stats() map[string]any
}

// Deps are the handler dependencies. DB and Cache may be nil when the engine
// runs on in-memory stores without a preference cache.
type Deps struct {
	Engine   Engine
	Failures notifications.DeliveryLog
	DB       HealthChecker
	Cache    StatsProvider
	Version  string
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	deps Deps
}

// New creates a Handler with shared dependencies.
func New(deps Deps) *Handler {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Handler{deps: deps}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns service name, version, status and documentation path.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"name":    "AgencyOps Notification Engine",
		"version": h.deps.Version,
		"status":  "running",
		"docs":    "/docs",
		"metrics": "/metrics",
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": respond.Timestamp(),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies Postgres connectivity. Reports "memory" when the engine runs without a database.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB == nil {
		respond.WriteJSONObject(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"database":  "memory",
			"timestamp": respond.Timestamp(),
		})
		return
	}
	if err := h.deps.DB.HealthCheck(r.Context()); err != nil {
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": respond.Timestamp(),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": respond.Timestamp(),
	})
}

// HealthCheckCache returns preference cache statistics.
// @Summary Cache health check
// @Description Returns preference cache statistics (active keys, expired keys, hits, misses).
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health/cache [get]
func (h *Handler) HealthCheckCache(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{"enabled": false}
	if h.deps.Cache != nil {
		stats = h.deps.Cache.Stats()
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"cache":     stats,
		"timestamp": respond.Timestamp(),
	})
}

// Package internalapi provides HTTP handlers for the daemon's internal
// API: health checks and operational introspection, not operator
// tooling.
package internalapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rchen9527/agentdeck/internal/archive"
	"github.com/rchen9527/agentdeck/internal/engine"
	"github.com/rchen9527/agentdeck/internal/hub"
	"github.com/rchen9527/agentdeck/internal/ws"
)

// Handler handles internal HTTP requests.
type Handler struct {
	engine   *engine.Engine
	hub      *hub.Hub
	push     *ws.Server
	recorder *archive.Recorder
	started  time.Time
}

// NewHandler creates a new internal API handler.
func NewHandler(eng *engine.Engine, h *hub.Hub, push *ws.Server, rec *archive.Recorder) *Handler {
	return &Handler{
		engine:   eng,
		hub:      h,
		push:     push,
		recorder: rec,
		started:  time.Now(),
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/internal/healthz", h.Healthz)
	e.GET("/internal/stats", h.Stats)
	e.GET("/internal/instances/:instance_id/queues", h.DumpQueues)
}

// Healthz returns liveness status.
func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// Stats returns a point-in-time operational summary.
// GET /internal/stats
func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"uptime_ms":       time.Since(h.started).Milliseconds(),
		"instances":       h.engine.Instances(),
		"watchers":        h.hub.ConnectionCount(),
		"push_dropped":    h.push.Dropped(),
		"archive_dropped": h.recorder.Dropped(),
	})
}

// DumpQueues dumps an instance's interruption queues for debugging.
// GET /internal/instances/:instance_id/queues
func (h *Handler) DumpQueues(c echo.Context) error {
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}
	return c.JSON(http.StatusOK, inst.Interruptions())
}

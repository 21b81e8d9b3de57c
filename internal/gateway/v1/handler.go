// Package v1 provides the operator-facing REST handlers for the daemon.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rchen9527/agentdeck/internal/archive"
	"github.com/rchen9527/agentdeck/internal/engine"
)

// Handler handles external HTTP requests.
type Handler struct {
	engine  *engine.Engine
	archive *archive.Archive
	index   *archive.Index
	broker  *Broker
}

// NewHandler creates a new handler.
func NewHandler(eng *engine.Engine, arch *archive.Archive, index *archive.Index, broker *Broker) *Handler {
	return &Handler{
		engine:  eng,
		archive: arch,
		index:   index,
		broker:  broker,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Instance management
	e.POST("/v1/instances", h.ConnectInstance)
	e.GET("/v1/instances", h.ListInstances)
	e.GET("/v1/instances/:instance_id", h.GetInstance)
	e.DELETE("/v1/instances/:instance_id", h.DisconnectInstance)
	e.POST("/v1/instances/:instance_id/reconnect", h.ReconnectInstance)

	// Session state
	e.GET("/v1/instances/:instance_id/sessions", h.ListSessions)
	e.POST("/v1/instances/:instance_id/sessions", h.CreateSession)
	e.GET("/v1/instances/:instance_id/sessions/:session_id", h.GetSession)
	e.DELETE("/v1/instances/:instance_id/sessions/:session_id", h.DeleteSession)
	e.POST("/v1/instances/:instance_id/sessions/:session_id/abort", h.AbortSession)
	e.GET("/v1/instances/:instance_id/sessions/:session_id/messages", h.ListMessages)
	e.POST("/v1/instances/:instance_id/sessions/:session_id/messages", h.SendMessage)
	e.GET("/v1/instances/:instance_id/sessions/:session_id/usage", h.GetUsage)
	e.GET("/v1/instances/:instance_id/messages/:message_id", h.GetMessage)

	// Interruptions
	e.GET("/v1/instances/:instance_id/interruptions", h.ListInterruptions)
	e.POST("/v1/instances/:instance_id/permissions/:request_id/reply", h.ReplyPermission)
	e.POST("/v1/instances/:instance_id/questions/:request_id/reply", h.ReplyQuestion)
	e.POST("/v1/instances/:instance_id/questions/:request_id/reject", h.RejectQuestion)

	// Archive
	e.GET("/v1/search", h.SearchArchive)
	e.GET("/v1/archive/sessions", h.ListArchivedSessions)
	e.GET("/v1/archive/sessions/:session_id/messages", h.ListArchivedMessages)

	// Notifications
	e.GET("/v1/events/stream", h.StreamEvents)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

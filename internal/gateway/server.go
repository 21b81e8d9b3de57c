// Package gateway provides the HTTP servers exposed by the agentdeck
// daemon.
package gateway

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rchen9527/agentdeck/internal/archive"
	"github.com/rchen9527/agentdeck/internal/engine"
	"github.com/rchen9527/agentdeck/internal/gateway/internalapi"
	v1 "github.com/rchen9527/agentdeck/internal/gateway/v1"
	"github.com/rchen9527/agentdeck/internal/hub"
	"github.com/rchen9527/agentdeck/internal/ws"
)

// Deps bundles the collaborators the HTTP layers expose.
type Deps struct {
	Engine   *engine.Engine
	Archive  *archive.Archive
	Index    *archive.Index
	Broker   *v1.Broker
	Hub      *hub.Hub
	Push     *ws.Server
	Recorder *archive.Recorder
}

// NewExternalServer creates and configures the operator-facing HTTP server.
// This server carries the v1 REST API, the SSE notification feed, and the
// WebSocket push endpoint.
func NewExternalServer(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(d.Engine, d.Archive, d.Index, d.Broker)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	if d.Push != nil {
		e.GET("/ws", d.Push.HandleWebSocket)
	}

	return e
}

// NewInternalServer creates and configures the internal-facing HTTP server.
// This server handles health checks and operational introspection.
func NewInternalServer(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Handlers
	internalHandler := internalapi.NewHandler(d.Engine, d.Hub, d.Push, d.Recorder)

	// Register Routes
	internalHandler.RegisterRoutes(e)

	return e
}

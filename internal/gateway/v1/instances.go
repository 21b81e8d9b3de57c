package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rchen9527/agentdeck/internal/engine"
)

// InstanceConnectRequest is the request to supervise a backend.
type InstanceConnectRequest struct {
	BaseURL string `json:"base_url"`
}

// ConnectInstance connects to a backend and registers it for supervision.
// POST /v1/instances
func (h *Handler) ConnectInstance(c echo.Context) error {
	ctx := c.Request().Context()

	var req InstanceConnectRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.BaseURL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "base_url is required"})
	}

	inst, err := h.engine.Connect(ctx, req.BaseURL)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, inst.Info())
}

// ListInstances lists all supervised instances.
// GET /v1/instances
func (h *Handler) ListInstances(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"instances": h.engine.Instances(),
	})
}

// GetInstance gets one instance summary.
// GET /v1/instances/:instance_id
func (h *Handler) GetInstance(c echo.Context) error {
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}
	return c.JSON(http.StatusOK, inst.Info())
}

// DisconnectInstance tears an instance down and forgets its state.
// DELETE /v1/instances/:instance_id
func (h *Handler) DisconnectInstance(c echo.Context) error {
	if err := h.engine.Disconnect(c.Param("instance_id")); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// ReconnectInstance drops an instance's stream and rebuilds its state
// from scratch.
// POST /v1/instances/:instance_id/reconnect
func (h *Handler) ReconnectInstance(c echo.Context) error {
	ctx := c.Request().Context()
	instanceID := c.Param("instance_id")

	if err := h.engine.Reconnect(ctx, instanceID); err != nil {
		if errors.Is(err, engine.ErrInstanceNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}

	inst, ok := h.engine.Instance(instanceID)
	if !ok {
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
	return c.JSON(http.StatusOK, inst.Info())
}

package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// SessionCreateRequest is the request to open a session on a backend.
type SessionCreateRequest struct {
	Title string `json:"title"`
}

// MessageSendRequest is the request to submit a prompt to a session.
type MessageSendRequest struct {
	Text       string `json:"text"`
	ProviderID string `json:"provider_id,omitempty"`
	ModelID    string `json:"model_id,omitempty"`
}

// ListSessions lists the instance's sessions with pending-interruption
// counts.
// GET /v1/instances/:instance_id/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": inst.Sessions(),
	})
}

// CreateSession opens a session on the backend and mirrors it locally.
// POST /v1/instances/:instance_id/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	ctx := c.Request().Context()
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}

	var req SessionCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	sess, err := inst.CreateSession(ctx, req.Title)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, sess)
}

// GetSession gets one session summary.
// GET /v1/instances/:instance_id/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}

	sess, ok := inst.Session(c.Param("session_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, sess)
}

// DeleteSession removes a session on the backend and locally.
// DELETE /v1/instances/:instance_id/sessions/:session_id
func (h *Handler) DeleteSession(c echo.Context) error {
	ctx := c.Request().Context()
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}

	if err := inst.DeleteSession(ctx, c.Param("session_id")); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// AbortSession interrupts the session's current work on the backend.
// POST /v1/instances/:instance_id/sessions/:session_id/abort
func (h *Handler) AbortSession(c echo.Context) error {
	ctx := c.Request().Context()
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}

	if err := inst.AbortSession(ctx, c.Param("session_id")); err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// ListMessages returns the session's messages in timeline order.
// GET /v1/instances/:instance_id/sessions/:session_id/messages
func (h *Handler) ListMessages(c echo.Context) error {
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}

	sessionID := c.Param("session_id")
	if _, ok := inst.Session(sessionID); !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": inst.SessionMessages(sessionID),
	})
}

// SendMessage submits a prompt through the local send flow and returns
// the provisional message id. On backend failure the provisional
// message stays in the store marked as errored, so the id is returned
// either way.
// POST /v1/instances/:instance_id/sessions/:session_id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	ctx := c.Request().Context()
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}

	var req MessageSendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
	}

	messageID, err := inst.SendMessage(ctx, c.Param("session_id"), req.Text, req.ProviderID, req.ModelID)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"error":      err.Error(),
			"message_id": messageID,
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"message_id": messageID})
}

// GetMessage gets one message snapshot.
// GET /v1/instances/:instance_id/messages/:message_id
func (h *Handler) GetMessage(c echo.Context) error {
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}

	msg, ok := inst.Message(c.Param("message_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "message not found"})
	}
	return c.JSON(http.StatusOK, msg)
}

// GetUsage returns the session's live accounting snapshot.
// GET /v1/instances/:instance_id/sessions/:session_id/usage
func (h *Handler) GetUsage(c echo.Context) error {
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}

	snap, ok := inst.Usage(c.Param("session_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no usage recorded for session"})
	}
	return c.JSON(http.StatusOK, snap)
}

package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// SearchArchive runs a full-text query over archived message content.
// GET /v1/search?q=<query>&instance_id=<id>&limit=<n>
func (h *Handler) SearchArchive(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "q is required"})
	}

	hits, err := h.index.Search(q, c.QueryParam("instance_id"), intQueryParam(c, "limit", 20))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"query": q,
		"hits":  hits,
	})
}

// ListArchivedSessions lists archived sessions, most recently updated
// first. The archive outlives instance connections, so sessions of
// disconnected instances remain readable here.
// GET /v1/archive/sessions?instance_id=<id>&limit=<n>
func (h *Handler) ListArchivedSessions(c echo.Context) error {
	ctx := c.Request().Context()
	instanceID := c.QueryParam("instance_id")
	if instanceID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "instance_id is required"})
	}

	sessions, err := h.archive.RecentSessions(ctx, instanceID, intQueryParam(c, "limit", 50))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
	})
}

// ListArchivedMessages returns a session's archived messages with their
// flattened content snapshots.
// GET /v1/archive/sessions/:session_id/messages?instance_id=<id>&limit=<n>
func (h *Handler) ListArchivedMessages(c echo.Context) error {
	ctx := c.Request().Context()
	instanceID := c.QueryParam("instance_id")
	if instanceID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "instance_id is required"})
	}

	msgs, err := h.archive.SessionMessages(ctx, instanceID, c.Param("session_id"), intQueryParam(c, "limit", 200))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": msgs,
	})
}

// intQueryParam parses an integer query parameter with a fallback for
// missing or unusable values.
func intQueryParam(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

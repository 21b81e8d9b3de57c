package v1

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/xeipuuv/gojsonschema"

	"github.com/rchen9527/agentdeck/internal/domain"
	"github.com/rchen9527/agentdeck/internal/engine"
)

// Reply bodies come from operator tooling. They are validated against
// JSON Schemas before anything is dispatched to a backend.
const permissionReplySchema = `{
	"type": "object",
	"properties": {
		"response": {"type": "string", "enum": ["once", "always", "reject"]}
	},
	"required": ["response"],
	"additionalProperties": false
}`

const questionReplySchema = `{
	"type": "object",
	"properties": {
		"answers": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 1
		}
	},
	"required": ["answers"],
	"additionalProperties": false
}`

// PermissionReplyRequest answers a queued permission request.
type PermissionReplyRequest struct {
	Response string `json:"response"`
}

// QuestionReplyRequest answers a queued question.
type QuestionReplyRequest struct {
	Answers []string `json:"answers"`
}

// ListInterruptions returns the instance's interruption state: the
// active request, both queues, and per-session counters.
// GET /v1/instances/:instance_id/interruptions
func (h *Handler) ListInterruptions(c echo.Context) error {
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}
	return c.JSON(http.StatusOK, inst.Interruptions())
}

// ReplyPermission answers a queued permission request. The request
// leaves its queue only when the backend accepts the answer.
// POST /v1/instances/:instance_id/permissions/:request_id/reply
func (h *Handler) ReplyPermission(c echo.Context) error {
	ctx := c.Request().Context()
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}

	var req PermissionReplyRequest
	if err := decodeValidated(c, permissionReplySchema, &req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	err := inst.ReplyPermission(ctx, c.Param("request_id"), domain.PermissionReply(req.Response))
	if err != nil {
		if errors.Is(err, engine.ErrUnknownInterruption) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "permission request not found"})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// ReplyQuestion answers a queued question.
// POST /v1/instances/:instance_id/questions/:request_id/reply
func (h *Handler) ReplyQuestion(c echo.Context) error {
	ctx := c.Request().Context()
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}

	var req QuestionReplyRequest
	if err := decodeValidated(c, questionReplySchema, &req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	err := inst.ReplyQuestion(ctx, c.Param("request_id"), req.Answers)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownInterruption) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "question not found"})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// RejectQuestion dismisses a queued question without answering it.
// POST /v1/instances/:instance_id/questions/:request_id/reject
func (h *Handler) RejectQuestion(c echo.Context) error {
	ctx := c.Request().Context()
	inst, ok := h.engine.Instance(c.Param("instance_id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "instance not found"})
	}

	err := inst.RejectQuestion(ctx, c.Param("request_id"))
	if err != nil {
		if errors.Is(err, engine.ErrUnknownInterruption) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "question not found"})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// decodeValidated checks the request body against a JSON Schema and
// unmarshals it into out.
func decodeValidated(c echo.Context, schema string, out interface{}) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errors.New("failed to read request body")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(body),
	)
	if err != nil {
		return errors.New("invalid request body")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	return json.Unmarshal(body, out)
}

// Package backend provides the HTTP client for sending commands to a
// supervised agent backend. State never flows back through these calls;
// it arrives on the event stream.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rchen9527/agentdeck/internal/domain"
)

// ErrNotFound marks a command whose target the backend no longer
// knows, typically a request that was already resolved elsewhere.
var ErrNotFound = errors.New("backend resource not found")

// Client is an HTTP client for one backend's control API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL returns the backend address this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// MessagePartInput is one prompt fragment of an outgoing message.
type MessagePartInput struct {
	Type domain.PartType `json:"type"`
	Text string          `json:"text"`
}

// SendMessageRequest is the body of a prompt submission.
type SendMessageRequest struct {
	ProviderID string             `json:"provider_id,omitempty"`
	ModelID    string             `json:"model_id,omitempty"`
	Parts      []MessagePartInput `json:"parts"`
}

type permissionReplyRequest struct {
	Response domain.PermissionReply `json:"response"`
}

type questionReplyRequest struct {
	Answers []string `json:"answers"`
}

type createSessionRequest struct {
	Title string `json:"title,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Health checks that the backend answers at all.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// ListSessions fetches the backend's current sessions, used to seed
// local state on connect.
func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var sessions []domain.Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession asks the backend for a fresh session.
func (c *Client) CreateSession(ctx context.Context, title string) (*domain.Session, error) {
	var sess domain.Session
	if err := c.do(ctx, http.MethodPost, "/session", createSessionRequest{Title: title}, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session on the backend.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/session/"+sessionID, nil, nil)
}

// AbortSession interrupts whatever the session is doing.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", nil, nil)
}

// SendMessage submits a prompt. The resulting message arrives on the
// event stream, not in this response.
func (c *Client) SendMessage(ctx context.Context, sessionID string, req SendMessageRequest) error {
	return c.do(ctx, http.MethodPost, "/session/"+sessionID+"/message", req, nil)
}

// ReplyPermission answers a queued permission request.
func (c *Client) ReplyPermission(ctx context.Context, sessionID, permissionID string, reply domain.PermissionReply) error {
	path := fmt.Sprintf("/session/%s/permissions/%s", sessionID, permissionID)
	return c.do(ctx, http.MethodPost, path, permissionReplyRequest{Response: reply}, nil)
}

// ReplyQuestion answers a queued question with the selected options.
func (c *Client) ReplyQuestion(ctx context.Context, questionID string, answers []string) error {
	return c.do(ctx, http.MethodPost, "/question/"+questionID+"/reply", questionReplyRequest{Answers: answers}, nil)
}

// RejectQuestion dismisses a queued question without answering.
func (c *Client) RejectQuestion(ctx context.Context, questionID string) error {
	return c.do(ctx, http.MethodPost, "/question/"+questionID+"/reject", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("backend error: %s", errResp.Error)
		}
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

package domain

import (
	"encoding/json"
	"strings"
)

// TempIDPrefix marks locally-assigned identifiers that have not yet been
// confirmed by the backend.
const TempIDPrefix = "tmp_"

// IsTempID reports whether id was assigned locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Session represents one conversation thread on a backend.
type Session struct {
	ID         string        `json:"id"`
	ParentID   string        `json:"parent_id,omitempty"`
	Title      string        `json:"title,omitempty"`
	Directory  string        `json:"directory,omitempty"`
	Status     SessionStatus `json:"status,omitempty"`
	ProviderID string        `json:"provider_id,omitempty"`
	ModelID    string        `json:"model_id,omitempty"`
	Revert     *RevertPoint  `json:"revert,omitempty"`
	CreatedAt  int64         `json:"created_at,omitempty"` // Unix milliseconds
	UpdatedAt  int64         `json:"updated_at,omitempty"`
}

// RevertPoint marks the rollback position of a session.
type RevertPoint struct {
	MessageID string `json:"message_id"`
	PartID    string `json:"part_id,omitempty"`
	Snapshot  string `json:"snapshot,omitempty"`
}

// Message represents a single turn within a session.
type Message struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Role       MessageRole   `json:"role"`
	Status     MessageStatus `json:"status,omitempty"`
	ProviderID string        `json:"provider_id,omitempty"`
	ModelID    string        `json:"model_id,omitempty"`
	CreatedAt  int64         `json:"created_at,omitempty"`
	UpdatedAt  int64         `json:"updated_at,omitempty"`
	Usage      *Usage        `json:"usage,omitempty"`
	Error      *ErrorInfo    `json:"error,omitempty"`
}

// Usage carries the token and cost figures of one assistant turn.
type Usage struct {
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	ReasoningTokens int64   `json:"reasoning_tokens"`
	CacheReadTokens int64   `json:"cache_read_tokens"`
	Cost            float64 `json:"cost"`
}

// Consumed returns the context-window consumption of this usage entry.
func (u Usage) Consumed() int64 {
	return u.InputTokens + u.CacheReadTokens + u.OutputTokens + u.ReasoningTokens
}

// ErrorInfo is a structured error attached to a message or session.
type ErrorInfo struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// Part is one incrementally-delivered content unit of a message.
type Part struct {
	ID        string     `json:"id"`
	MessageID string     `json:"message_id"`
	SessionID string     `json:"session_id"`
	Type      PartType   `json:"type"`
	Text      string     `json:"text,omitempty"`
	Tool      *ToolState `json:"tool,omitempty"`
	Tokens    int64      `json:"tokens,omitempty"`
	Cost      float64    `json:"cost,omitempty"`
}

// ToolState describes the progress of a tool invocation part.
type ToolState struct {
	CallID   string          `json:"call_id"`
	Name     string          `json:"name"`
	Status   ToolStatus      `json:"status"`
	Title    string          `json:"title,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PermissionRequest asks a human to grant or refuse a backend action.
type PermissionRequest struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Title     string          `json:"title,omitempty"`
	Pattern   string          `json:"pattern,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt int64           `json:"created_at"` // enqueue ordering key, Unix milliseconds
}

// QuestionOption is one selectable answer of a question request.
type QuestionOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// QuestionRequest asks a human to pick one or more answers.
type QuestionRequest struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Header    string           `json:"header,omitempty"`
	Text      string           `json:"text"`
	Options   []QuestionOption `json:"options,omitempty"`
	Multi     bool             `json:"multi,omitempty"`
	CreatedAt int64            `json:"created_at"` // enqueue ordering key, Unix milliseconds
}

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire event types emitted by a backend event stream.
const (
	TypeMessageUpdated     = "message.updated"
	TypeMessagePartUpdated = "message.part.updated"
	TypeMessageRemoved     = "message.removed"
	TypeMessagePartRemoved = "message.part.removed"
	TypeSessionUpdated     = "session.updated"
	TypeSessionIdle        = "session.idle"
	TypeSessionStatus      = "session.status"
	TypeSessionCompacted   = "session.compacted"
	TypeSessionError       = "session.error"
	TypePermissionUpdated  = "permission.updated"
	TypePermissionAsked    = "permission.asked"
	TypePermissionReplied  = "permission.replied"
	TypeQuestionAsked      = "question.asked"
	TypeQuestionReplied    = "question.replied"
	TypeQuestionRejected   = "question.rejected"
)

// ErrMissingType marks a wire frame without a type tag.
var ErrMissingType = errors.New("event missing type")

// Event is the closed union of decoded stream events. The concrete type
// is one of the *Updated/*Removed/... structs below, or Notification for
// types this client does not interpret.
type Event interface {
	EventType() string
}

// Envelope is the raw tagged wire frame.
type Envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// MessageUpdated delivers the full message record.
type MessageUpdated struct {
	Info Message `json:"info"`
}

func (MessageUpdated) EventType() string { return TypeMessageUpdated }

// PartUpdated delivers a full part snapshot or an appended delta.
// Text parts carry the accumulated text in Part.Text; Delta, when set,
// is the chunk appended by this event and DeltaSeq its per-part
// monotonic sequence number. Role hints the owning message's role when
// the message itself has not been delivered yet.
type PartUpdated struct {
	Part     Part        `json:"part"`
	Delta    string      `json:"delta,omitempty"`
	DeltaSeq int64       `json:"delta_seq,omitempty"`
	Role     MessageRole `json:"role,omitempty"`
}

func (PartUpdated) EventType() string { return TypeMessagePartUpdated }

// MessageRemoved removes one message and its parts.
type MessageRemoved struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

func (MessageRemoved) EventType() string { return TypeMessageRemoved }

// PartRemoved removes one part.
type PartRemoved struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	PartID    string `json:"part_id"`
}

func (PartRemoved) EventType() string { return TypeMessagePartRemoved }

// SessionUpdated delivers the full session record.
type SessionUpdated struct {
	Info Session `json:"info"`
}

func (SessionUpdated) EventType() string { return TypeSessionUpdated }

// SessionIdle signals that a session finished its current work.
type SessionIdle struct {
	SessionID string `json:"session_id"`
}

func (SessionIdle) EventType() string { return TypeSessionIdle }

// SessionStatusChanged signals a session lifecycle transition.
type SessionStatusChanged struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
}

func (SessionStatusChanged) EventType() string { return TypeSessionStatus }

// SessionCompacted signals that context compaction completed.
type SessionCompacted struct {
	SessionID string `json:"session_id"`
}

func (SessionCompacted) EventType() string { return TypeSessionCompacted }

// SessionError surfaces a backend-side session failure.
type SessionError struct {
	SessionID string     `json:"session_id,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

func (SessionError) EventType() string { return TypeSessionError }

// PermissionUpdated announces or refreshes a permission request.
type PermissionUpdated struct {
	Request PermissionRequest
}

func (PermissionUpdated) EventType() string { return TypePermissionUpdated }

// PermissionReplied signals that a permission request was resolved,
// possibly by another client.
type PermissionReplied struct {
	SessionID    string `json:"session_id"`
	PermissionID string `json:"permission_id"`
	Response     string `json:"response,omitempty"`
}

func (PermissionReplied) EventType() string { return TypePermissionReplied }

// QuestionAsked announces a question request.
type QuestionAsked struct {
	Request QuestionRequest
}

func (QuestionAsked) EventType() string { return TypeQuestionAsked }

// QuestionReplied signals that a question was answered.
type QuestionReplied struct {
	SessionID  string   `json:"session_id"`
	QuestionID string   `json:"question_id"`
	Answers    []string `json:"answers,omitempty"`
}

func (QuestionReplied) EventType() string { return TypeQuestionReplied }

// QuestionRejected signals that a question was dismissed.
type QuestionRejected struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
}

func (QuestionRejected) EventType() string { return TypeQuestionRejected }

// Notification is a passthrough event this client re-emits without
// interpreting.
type Notification struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

func (n Notification) EventType() string { return n.Type }

// DecodeEvent parses one wire frame into its typed event. Unknown types
// decode to Notification; a frame without a type or with an unparsable
// payload is an error and must be dropped by the caller.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	props := env.Properties
	if len(props) == 0 {
		props = []byte("{}")
	}

	decode := func(v any) error {
		if err := json.Unmarshal(props, v); err != nil {
			return fmt.Errorf("decode %s properties: %w", env.Type, err)
		}
		return nil
	}

	var ev Event
	var err error
	switch env.Type {
	case TypeMessageUpdated:
		var e MessageUpdated
		err = decode(&e)
		ev = e
	case TypeMessagePartUpdated:
		var e PartUpdated
		err = decode(&e)
		ev = e
	case TypeMessageRemoved:
		var e MessageRemoved
		err = decode(&e)
		ev = e
	case TypeMessagePartRemoved:
		var e PartRemoved
		err = decode(&e)
		ev = e
	case TypeSessionUpdated:
		var e SessionUpdated
		err = decode(&e)
		ev = e
	case TypeSessionIdle:
		var e SessionIdle
		err = decode(&e)
		ev = e
	case TypeSessionStatus:
		var e SessionStatusChanged
		err = decode(&e)
		ev = e
	case TypeSessionCompacted:
		var e SessionCompacted
		err = decode(&e)
		ev = e
	case TypeSessionError:
		var e SessionError
		err = decode(&e)
		ev = e
	case TypePermissionUpdated, TypePermissionAsked:
		var e PermissionUpdated
		err = decode(&e.Request)
		ev = e
	case TypePermissionReplied:
		var e PermissionReplied
		err = decode(&e)
		ev = e
	case TypeQuestionAsked:
		var e QuestionAsked
		err = decode(&e.Request)
		ev = e
	case TypeQuestionReplied:
		var e QuestionReplied
		err = decode(&e)
		ev = e
	case TypeQuestionRejected:
		var e QuestionRejected
		err = decode(&e)
		ev = e
	default:
		return Notification{Type: env.Type, Properties: env.Properties}, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

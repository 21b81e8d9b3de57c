// Package protocol defines the WebSocket message protocol between
// watcher clients and the daemon.
package protocol

// Message types from client to daemon
const (
	TypeHello     = "hello"
	TypeSubscribe = "subscribe"
	TypeReply     = "reply"
)

// Message types from daemon to client
const (
	TypeHelloAck     = "hello_ack"
	TypeNotification = "notification"
	TypeError        = "error"
)

// Reply kinds accepted by TypeReply messages.
const (
	ReplyKindPermission = "permission"
	ReplyKindQuestion   = "question"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type       string `json:"type"`
	Ts         int64  `json:"ts"`
	RequestID  string `json:"request_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

// HelloMessage is sent by a client to establish the subscription. An
// empty instance id subscribes to all instances.
type HelloMessage struct {
	BaseMessage
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// HelloAckMessage is sent by the daemon after a successful hello.
type HelloAckMessage struct {
	BaseMessage
	ConnectionID string `json:"connection_id"`
}

// SubscribeMessage changes the connection's instance filter.
type SubscribeMessage struct {
	BaseMessage
}

// ReplyMessage answers a queued interruption over the push channel.
// Permissions carry Response (once/always/reject); questions carry
// Answers, or Response "reject" to dismiss.
type ReplyMessage struct {
	BaseMessage
	Kind     string   `json:"kind"`
	ID       string   `json:"id"`
	Response string   `json:"response,omitempty"`
	Answers  []string `json:"answers,omitempty"`
}

// NotificationMessage pushes one engine state-change hint to the
// client.
type NotificationMessage struct {
	BaseMessage
	Scope     string `json:"scope"`
	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// ErrorMessage is sent by the daemon when a client message fails.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeUnknownInstance = "unknown_instance"
	ErrorCodeReplyFailed     = "reply_failed"
)

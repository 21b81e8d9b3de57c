// Package domain defines the core domain models and the wire event
// taxonomy shared by the sync engine and its collaborators.
package domain

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusWorking    SessionStatus = "working"
	SessionStatusCompacting SessionStatus = "compacting"
)

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageStatus represents the delivery state of a message.
type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
	MessageError     MessageStatus = "error"
)

// PartType represents the kind of a message part.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartTool       PartType = "tool"
	PartStepStart  PartType = "step_start"
	PartStepFinish PartType = "step_finish"
)

// ToolStatus represents the execution state carried by a tool part.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// PermissionReply is a human decision on a permission request.
type PermissionReply string

const (
	PermissionOnce   PermissionReply = "once"
	PermissionAlways PermissionReply = "always"
	PermissionReject PermissionReply = "reject"
)

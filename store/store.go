// Package store persists conversation history. Each chat is an ordered list
// of messages; the orchestrator appends to it as the model and the tools take
// turns, and replays it on every model call.
package store

import (
	"encoding/json"

	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "store")

// Role identifies the author of a message.
type Role string

const (
	// RoleUser is a human turn.
	RoleUser Role = "user"
	// RoleAssistant is a model turn, either text or a tool-use request.
	RoleAssistant Role = "assistant"
	// RoleTool carries the result of a dispatched tool call back to the model.
	RoleTool Role = "tool"
)

// Message is one entry in a conversation. Exactly one of the content groups
// is populated, selected by Role and the call fields:
//   - user text: Role=user, Content set
//   - assistant text: Role=assistant, Content set, CallID empty
//   - tool call: Role=assistant, CallID/ToolName/Args set
//   - tool result: Role=tool, CallID/Content set
type Message struct {
	Role     Role            `json:"role"`
	Content  string          `json:"content,omitempty"`
	CallID   string          `json:"call_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
}

// NewUserMessage returns a human text turn.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// NewAssistantMessage returns a model text turn.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// NewToolCallMessage returns a model turn requesting a tool invocation.
func NewToolCallMessage(callID, toolName string, args json.RawMessage) Message {
	return Message{Role: RoleAssistant, CallID: callID, ToolName: toolName, Args: args}
}

// NewToolResultMessage returns the outcome of a tool invocation.
func NewToolResultMessage(callID, content string, isError bool) Message {
	return Message{Role: RoleTool, CallID: callID, Content: content, IsError: isError}
}

// IsToolCall reports whether the message is a model tool-use request.
func (m Message) IsToolCall() bool {
	return m.Role == RoleAssistant && m.CallID != ""
}

// MessageStore keeps per-chat conversation history.
type MessageStore interface {
	Messages(chatID string) []Message
	Add(chatID string, msg Message) error
	Reset(chatID string) error
}

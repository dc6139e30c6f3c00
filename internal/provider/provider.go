// Package provider defines the upstream model provider capability and its
// OpenAI-compatible HTTP implementation.
package provider

import (
	"context"
	"encoding/json"
)

// Role labels a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of provider input.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolCalls echoes the assistant turn that requested tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is the model asking for a tool execution.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is one provider invocation.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDef
}

// Completion is a full non-streaming provider response. A response carries
// either content or tool calls, occasionally both.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// Event is one element of a streaming provider response. The zero Event is
// meaningless; exactly one of Content, ToolCalls, or Done is set unless Err
// terminates the stream.
type Event struct {
	Content   string
	ToolCalls []ToolCall
	Done      bool
	Err       error
}

// Provider is the upstream model capability. Implementations map transport
// failures to upstream_unavailable and content-policy rejections to
// content_rejected.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

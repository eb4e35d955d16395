// Package assistant bridges the UI's chat panel to an OpenAI-compatible
// chat-completion endpoint, executing backend tools in-process and relaying
// UI actions to the client.
package assistant

import "encoding/json"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat-completion message. Thinking and Timestamp are kept
// for the UI's transcript; chat endpoints ignore them.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Thinking   string     `json:"thinking,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Timestamp  int64      `json:"timestamp,omitempty"`
}

// ToolCall is a model-issued function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Action is a tool invocation extracted from a fenced block when the model
// does not speak native tool calls.
type Action struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// Chunk types streamed to the HTTP client.
const (
	ChunkContent  = "content"
	ChunkThinking = "thinking"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// StreamChunk is one server-sent event of an assistant reply.
type StreamChunk struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"arguments,omitempty"`
	Error   string          `json:"error,omitempty"`
}

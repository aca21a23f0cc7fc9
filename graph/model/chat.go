// Package model provides LLM integration adapters.
package model

import "context"

// Standard role constants for chat conversations. These align with the
// conventions used by the major providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single message in a conversation.
//
// Messages are persisted with checkpoints and replayed across turns, so the
// struct carries JSON tags matching the wire shape used by the thread store
// and the streaming layer.
type Message struct {
	// Role is one of the Role* constants.
	Role string `json:"role"`

	// Content is the message text. May be empty for assistant messages
	// that only carry tool calls.
	Content string `json:"content"`

	// ID identifies the message for streaming correlation. Optional.
	ID string `json:"id,omitempty"`

	// Name labels tool result messages with the tool that produced them.
	Name string `json:"name,omitempty"`

	// ToolCalls holds tool invocations requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool result message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	// ID correlates the call with its result message.
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Arguments is the JSON-encoded argument object.
	Arguments string `json:"arguments"`
}

// ToolSpec describes a tool the model may call. Schema follows JSON Schema.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// ChatOut is the model's response to a chat completion request.
type ChatOut struct {
	// Text is the generated response, empty when the model only calls
	// tools.
	Text string

	// ToolCalls are requested tool invocations, in provider order.
	ToolCalls []ToolCall

	// Model is the provider-reported model identifier.
	Model string
}

// ChatModel is the interface for LLM chat providers.
//
// Implementations handle provider authentication, convert Message to the
// provider wire format, and respect context cancellation. Pass nil tools for
// plain completions.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// TokenFunc receives one generated token chunk during streaming. Returning
// an error aborts the stream.
type TokenFunc func(token string) error

// StreamingChatModel extends ChatModel with incremental token delivery.
//
// ChatStream invokes onToken for each delta as the provider produces it and
// returns the accumulated output when the stream completes. Tool call deltas
// are accumulated internally and surface only in the final ChatOut.
type StreamingChatModel interface {
	ChatModel
	ChatStream(ctx context.Context, messages []Message, tools []ToolSpec, onToken TokenFunc) (ChatOut, error)
}

// StructuredMethod selects how a provider obtains schema-conforming output.
type StructuredMethod string

const (
	// StructuredJSONSchema uses native constrained decoding
	// (response_format json_schema). Preferred when the provider
	// supports it.
	StructuredJSONSchema StructuredMethod = "json_schema"

	// StructuredJSONMode uses response_format json_object with the schema
	// described in the prompt.
	StructuredJSONMode StructuredMethod = "json_mode"

	// StructuredToolCall forces a single tool call whose arguments carry
	// the structured payload.
	StructuredToolCall StructuredMethod = "tool_call"
)

// StructuredSpec names the target schema for structured output.
type StructuredSpec struct {
	// Name labels the schema (tool name or json_schema name).
	Name string

	// Description explains the payload; used in tool_call mode.
	Description string

	// Schema is the JSON Schema the output must conform to.
	Schema map[string]any

	// Method overrides the provider default when non-empty.
	Method StructuredMethod
}

// StructuredChatModel extends ChatModel with schema-constrained output.
//
// ChatStructured returns the raw JSON payload conforming to spec.Schema;
// callers validate and unmarshal it.
type StructuredChatModel interface {
	ChatModel
	ChatStructured(ctx context.Context, messages []Message, spec StructuredSpec) ([]byte, error)
}

// Package stream implements the SSE streaming layer: the event taxonomy,
// the per-thread callback registry, and the bounded producer/consumer
// queue.
package stream

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Core event names. complete is always the last non-error event of a run.
const (
	EventMessage          = "message"
	EventPartialAI        = "partial_ai"
	EventOnToolEnd        = "on_tool_end"
	EventToolResult       = "tool_result"
	EventApprovalRequired = "approval_required"
	EventComplete         = "complete"
	EventError            = "error"
)

// Tracing event names, emitted only when TRACE_EVENTS is enabled.
const (
	EventPhase       = "phase"
	EventDispatch    = "dispatch"
	EventAggregate   = "aggregate"
	EventPlanReady   = "plan_ready"
	EventWriterStart = "writer_start"
	EventWriterDone  = "writer_done"
	EventDebug       = "debug"
)

// Event is one SSE event: a name and a JSON-serializable payload.
type Event struct {
	Name string
	Data any
}

// IsTrace reports whether the event is one of the optional tracing events.
func (e Event) IsTrace() bool {
	switch e.Name {
	case EventPhase, EventDispatch, EventAggregate, EventPlanReady,
		EventWriterStart, EventWriterDone, EventDebug:
		return true
	}
	return false
}

// NewMessageID returns a chat message id in the chatcmpl-<8hex> form.
func NewMessageID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewToolCallID returns a tool call id in the call_<8hex> form, used to
// backfill probe tool calls that arrived without ids.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Chunk is the OpenAI-style completion chunk carried on message events.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is one choice entry of a Chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental fields of a chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// OpeningChunk is the role announcement sent before any content.
func OpeningChunk(messageID, model string) Chunk {
	return Chunk{
		ID:      messageID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{Role: "assistant"}}},
	}
}

// ClosingChunk is the finish-reason marker ending the message envelope.
func ClosingChunk(messageID, model string) Chunk {
	finish := "stop"
	return Chunk{
		ID:      messageID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: ChunkDelta{}, FinishReason: &finish}},
	}
}

// maxTokenChunkRunes bounds how much text one partial_ai delta may carry.
// Long deltas from providers that batch tokens are re-split so the client
// renders smoothly.
const maxTokenChunkRunes = 10

// SplitToken splits a provider delta into chunks of at most
// maxTokenChunkRunes runes.
func SplitToken(token string) []string {
	runes := []rune(token)
	if len(runes) <= maxTokenChunkRunes {
		return []string{token}
	}
	out := make([]string, 0, (len(runes)+maxTokenChunkRunes-1)/maxTokenChunkRunes)
	for start := 0; start < len(runes); start += maxTokenChunkRunes {
		end := start + maxTokenChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

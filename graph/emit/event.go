package emit

// Event is an observability event emitted during graph execution.
//
// The engine emits events at node completion, checkpoint writes, and run
// termination. Application nodes may emit their own events through the same
// emitter (tool calls, model invocations, approval gates).
type Event struct {
	// RunID identifies the execution that emitted this event. For
	// conversation-scoped runs this is the thread ID.
	RunID string

	// Step is the superstep number; zero for run-level events.
	Step int

	// NodeID is the emitting node, empty for run-level events.
	NodeID string

	// Msg is a short human-readable description.
	Msg string

	// Meta carries additional structured data. Common keys: "error",
	// "checkpoint_id", "duration_ms", "tool", "model".
	Meta map[string]any
}

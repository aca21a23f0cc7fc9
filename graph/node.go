package graph

import "context"

// Node represents a processing unit in the workflow graph.
// It receives state of type S, performs computation, and returns a NodeResult.
//
// Nodes are the fundamental building blocks of a workflow. Each node can:
//   - Access the current merged state (or the partial state seeded by a Send)
//   - Perform computation (call LLMs, retrieval tools, or custom logic)
//   - Return state modifications via Delta
//   - Optionally override routing via Route
//
// Type parameter S is the state type shared across the workflow.
type Node[S any] interface {
	// Run executes the node's logic with the given context and state.
	// It returns a NodeResult containing the partial state update, an
	// optional explicit routing decision, and any error encountered.
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeResult represents the output of a node execution.
//
// Delta is merged into the accumulated state through the engine's reducer.
// Route, when set, overrides edge- and router-based scheduling for this node.
// A non-nil Err aborts the run; the engine surfaces it as a run error event.
type NodeResult[S any] struct {
	// Delta is the partial state update produced by this node.
	// It is merged with the current state using the configured reducer.
	Delta S

	// Route optionally overrides graph topology for this superstep.
	// Leave zero to fall back to routers and static edges.
	Route Next[S]

	// Err contains any error that occurred during node execution.
	// Non-nil errors terminate the workflow.
	Err error
}

// Send is a first-class fan-out value: it schedules Node in the next
// superstep, seeded with the partial state Arg merged over the accumulated
// state. Sends are produced by routers (conditional edges) and must survive
// checkpointing, so both fields are JSON-serializable.
type Send[S any] struct {
	Node string `json:"node"`
	Arg  S      `json:"arg"`
}

// Next specifies the next step(s) after a node or router decision.
//
// Exactly one of the three modes should be used:
//   - Terminal: stop execution
//   - To: schedule a single named node
//   - Sends: fan out, one task per Send, each with its own partial state
type Next[S any] struct {
	// To is the next single node to schedule.
	To string

	// Sends fans out to multiple tasks in the next superstep.
	Sends []Send[S]

	// Terminal indicates workflow execution should stop.
	Terminal bool
}

func (n Next[S]) isZero() bool {
	return n.To == "" && len(n.Sends) == 0 && !n.Terminal
}

// Stop returns a Next that terminates workflow execution.
func Stop[S any]() Next[S] {
	return Next[S]{Terminal: true}
}

// Goto returns a Next that routes to the specified node.
func Goto[S any](nodeID string) Next[S] {
	return Next[S]{To: nodeID}
}

// FanOut returns a Next that seeds one task per Send in the next superstep.
func FanOut[S any](sends ...Send[S]) Next[S] {
	return Next[S]{Sends: sends}
}

// NodeFunc is a function adapter that implements the Node interface.
// It allows using plain functions as nodes without creating custom types.
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements the Node interface for NodeFunc.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}

// NodeError represents an error that occurred during node execution.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error that caused this NodeError.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// Package graph provides the core superstep graph execution engine.
package graph

// END is the reserved target name that terminates a branch of execution.
const END = "__end__"

// Edge represents a static connection between two nodes in the workflow graph.
//
// Static edges always schedule their target in the superstep following the
// source node's execution. Conditional routing is expressed with a Router
// registered via AddRouter; a node may carry either static edges or a router,
// not both.
type Edge struct {
	// From is the source node ID.
	From string

	// To is the destination node ID, or END.
	To string
}

// Router is a pure routing function evaluated against the merged state after
// a node completes. It returns the next hop for that branch:
//
//   - Goto(name) schedules a single node
//   - FanOut(sends...) seeds one task per Send in the next superstep
//   - Stop() terminates the branch
//
// Routers must be deterministic and free of side effects: they may run again
// when a checkpointed run is resumed.
type Router[S any] func(state S) Next[S]

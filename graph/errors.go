package graph

import "errors"

// ErrNoProgress is returned when a superstep completes with no scheduled
// tasks and no terminal route. Common causes:
//   - a node with neither a router nor outgoing edges
//   - a router returning a zero Next
var ErrNoProgress = errors.New("no progress: no runnable nodes scheduled")

// ErrMaxSteps is returned when a run exceeds Options.MaxSteps. It usually
// indicates a routing loop that never reaches END.
var ErrMaxSteps = errors.New("workflow exceeded MaxSteps limit")

// EngineError represents an error from Engine configuration or execution.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

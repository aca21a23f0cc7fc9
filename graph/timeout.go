package graph

import (
	"context"
	"fmt"
	"time"
)

// nodeTimeout determines the deadline for a node based on precedence:
// per-node override, then the engine-wide default, then 0 (no deadline).
func nodeTimeout(nodeID string, opts Options) time.Duration {
	if d, ok := opts.NodeTimeouts[nodeID]; ok && d > 0 {
		return d
	}
	return opts.DefaultNodeTimeout
}

// runNodeWithTimeout wraps node execution with deadline enforcement.
//
// The node runs under a derived context carrying the deadline; a node that
// returns after the deadline expired is reported as a timeout regardless of
// its own result, so callers can apply their failure policy (retrieval
// workers translate timeouts into an empty result that still releases the
// fan-in barrier).
func runNodeWithTimeout[S any](
	ctx context.Context,
	node Node[S],
	nodeID string,
	state S,
	opts Options,
) (NodeResult[S], error) {
	timeout := nodeTimeout(nodeID, opts)
	if timeout == 0 {
		return node.Run(ctx, state), nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := node.Run(timeoutCtx, state)

	if timeoutCtx.Err() == context.DeadlineExceeded {
		return result, &EngineError{
			Message: fmt.Sprintf("node %s exceeded timeout of %v", nodeID, timeout),
			Code:    "NODE_TIMEOUT",
		}
	}
	return result, nil
}

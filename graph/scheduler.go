package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Scheduler: the superstep task set and its concurrent runner.

// Task is a schedulable unit of work in a superstep: one node execution with
// the input state it should observe. Tasks seeded by a Send carry the send's
// partial state merged over the accumulated state; tasks scheduled by edges
// carry a copy of the accumulated state.
type Task[S any] struct {
	// NodeID identifies the node to execute.
	NodeID string

	// State is the input snapshot for this task's execution.
	State S

	// SendIndex orders tasks that target the same node within one
	// superstep (parallel Sends to one worker). -1 for edge-scheduled
	// tasks.
	SendIndex int
}

// taskResult pairs a completed task with its NodeResult so the merge phase
// can order commits deterministically.
type taskResult[S any] struct {
	task   Task[S]
	result NodeResult[S]
	err    error
}

// runSuperstep executes every task in the frontier concurrently and returns
// the results sorted into the deterministic merge order: by node name,
// tie-broken by send index. The sort guarantees that reducer application is
// reproducible regardless of goroutine completion order.
//
// The first node error or timeout encountered (in merge order) is returned;
// remaining results are still collected so the caller can surface partial
// observability data.
func runSuperstep[S any](
	ctx context.Context,
	nodes map[string]Node[S],
	frontier []Task[S],
	opts Options,
) ([]taskResult[S], error) {
	results := make([]taskResult[S], len(frontier))

	if opts.Metrics != nil {
		opts.Metrics.addInflight(len(frontier))
		defer opts.Metrics.addInflight(-len(frontier))
	}

	var wg sync.WaitGroup
	for i, task := range frontier {
		wg.Add(1)
		go func(i int, task Task[S]) {
			defer wg.Done()
			// A panicking node must fail its run, not the process: other
			// threads' runs share this server.
			defer func() {
				if r := recover(); r != nil {
					results[i] = taskResult[S]{task: task, err: &NodeError{
						Message: fmt.Sprintf("node panicked: %v", r),
						Code:    "NODE_PANIC",
						NodeID:  task.NodeID,
						Cause:   fmt.Errorf("%v", r),
					}}
				}
			}()

			node, ok := nodes[task.NodeID]
			if !ok {
				results[i] = taskResult[S]{task: task, err: &EngineError{
					Message: "node not found during execution: " + task.NodeID,
					Code:    "NODE_NOT_FOUND",
				}}
				return
			}

			stop := startTimer(opts.Metrics, task.NodeID)
			result, err := runNodeWithTimeout(ctx, node, task.NodeID, task.State, opts)
			stop(err == nil && result.Err == nil)

			results[i] = taskResult[S]{task: task, result: result, err: err}
		}(i, task)
	}
	wg.Wait()

	sort.SliceStable(results, func(a, b int) bool {
		if results[a].task.NodeID != results[b].task.NodeID {
			return results[a].task.NodeID < results[b].task.NodeID
		}
		return results[a].task.SendIndex < results[b].task.SendIndex
	})

	for _, r := range results {
		if r.err != nil {
			return results, r.err
		}
		if r.result.Err != nil {
			return results, &NodeError{
				Message: r.result.Err.Error(),
				Code:    "NODE_FAILED",
				NodeID:  r.task.NodeID,
				Cause:   r.result.Err,
			}
		}
	}
	return results, nil
}

package graph

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xiaomayi-ant/smart-agent/graph/emit"
)

// Engine orchestrates stateful workflow execution under superstep semantics
// with checkpointing support.
//
// In each superstep the engine:
//  1. Determines the active task set from pending Sends and static edges.
//  2. Executes all tasks concurrently, each against its own state snapshot.
//  3. Merges returned deltas through the reducer in deterministic order
//     (node name, then send index).
//  4. Evaluates routers and edges against the merged state to build the next
//     frontier; routers may fan out by returning Sends.
//  5. Persists a checkpoint carrying the merged state and the pending Sends,
//     so an interrupted fan-out can be resumed.
//
// A branch terminates when its node has no outgoing edges, no router, and no
// explicit route, or when a route targets END. The run completes when the
// frontier is empty.
//
// Type parameter S is the state type shared across the workflow.
type Engine[S any] struct {
	// reducer merges partial state updates deterministically.
	reducer Reducer[S]

	// nodes maps node IDs to Node implementations.
	nodes map[string]Node[S]

	// edges holds static transitions; routers holds conditional ones.
	edges   []Edge
	routers map[string]Router[S]

	// startNode is the entry point for workflow execution.
	startNode string

	// saver persists checkpoints at superstep boundaries.
	saver Saver[S]

	// emitter receives observability events.
	emitter emit.Emitter

	// opts contains execution configuration.
	opts Options

	// graphID labels metrics and events for this graph.
	graphID string
}

// Reducer merges a partial state update (delta) into the accumulated state.
// It must be pure and commutativity-aware: fields written concurrently by
// parallel nodes need append or additive semantics, everything else is
// last-writer-wins within the deterministic merge order.
type Reducer[S any] func(prev, delta S) S

// Config identifies one run of the graph.
type Config struct {
	// ThreadID scopes checkpoints and write locks to a conversation.
	ThreadID string

	// UserID is the authenticated owner; persisted with every checkpoint.
	UserID string
}

// New creates a new Engine with the given configuration.
//
// The reducer and saver are required for Invoke; the emitter may be nil.
func New[S any](graphID string, reducer Reducer[S], saver Saver[S], emitter emit.Emitter, opts Options) *Engine[S] {
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	return &Engine[S]{
		reducer: reducer,
		nodes:   make(map[string]Node[S]),
		routers: make(map[string]Router[S]),
		saver:   saver,
		emitter: emitter,
		opts:    opts,
		graphID: graphID,
	}
}

// Add registers a node in the workflow graph. Node IDs must be unique.
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil"}
	}
	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{Message: "duplicate node ID: " + nodeID, Code: "DUPLICATE_NODE"}
	}
	e.nodes[nodeID] = node
	return nil
}

// StartAt sets the entry point for workflow execution.
func (e *Engine[S]) StartAt(nodeID string) error {
	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{Message: "start node does not exist: " + nodeID, Code: "NODE_NOT_FOUND"}
	}
	e.startNode = nodeID
	return nil
}

// AddEdge creates a static edge: after from completes, to is scheduled in the
// next superstep. Multiple workers carrying an edge to the same target
// produce a single task for that target — this is the fan-in barrier.
func (e *Engine[S]) AddEdge(from, to string) error {
	if from == "" || to == "" {
		return &EngineError{Message: "edge endpoints cannot be empty"}
	}
	e.edges = append(e.edges, Edge{From: from, To: to})
	return nil
}

// AddRouter attaches a conditional routing function to from. The router runs
// against the merged state after each superstep in which from executed and
// may return a single target or a fan-out of Sends. A node has either static
// edges or a router, not both.
func (e *Engine[S]) AddRouter(from string, router Router[S]) error {
	if from == "" {
		return &EngineError{Message: "router source cannot be empty"}
	}
	if router == nil {
		return &EngineError{Message: "router cannot be nil"}
	}
	if _, exists := e.routers[from]; exists {
		return &EngineError{Message: "duplicate router for node: " + from, Code: "DUPLICATE_ROUTER"}
	}
	e.routers[from] = router
	return nil
}

// Compile validates the assembled graph: a start node is set, every edge
// endpoint and router source is a registered node, and no node carries both
// static edges and a router. Call it once after wiring, before Invoke.
func (e *Engine[S]) Compile() error {
	if e.startNode == "" {
		return &EngineError{Message: "start node not set (call StartAt)", Code: "NO_START_NODE"}
	}
	routed := make(map[string]bool, len(e.edges))
	for _, edge := range e.edges {
		if _, ok := e.nodes[edge.From]; !ok {
			return &EngineError{Message: "edge from unknown node: " + edge.From, Code: "NODE_NOT_FOUND"}
		}
		if _, ok := e.nodes[edge.To]; !ok {
			return &EngineError{Message: "edge to unknown node: " + edge.To, Code: "NODE_NOT_FOUND"}
		}
		routed[edge.From] = true
	}
	for from := range e.routers {
		if _, ok := e.nodes[from]; !ok {
			return &EngineError{Message: "router on unknown node: " + from, Code: "NODE_NOT_FOUND"}
		}
		if routed[from] {
			return &EngineError{Message: "node has both edges and a router: " + from, Code: "AMBIGUOUS_ROUTING"}
		}
	}
	return nil
}

// stepObserver is invoked after each committed superstep; used by Stream.
type stepObserver[S any] func(step int, state S)

// Invoke executes the workflow to completion or failure, writing a checkpoint
// at every superstep boundary. It blocks until the run finishes.
func (e *Engine[S]) Invoke(ctx context.Context, initial S, cfg Config) (S, error) {
	return e.run(ctx, initial, cfg, nil)
}

// StepSnapshot is one element of the Stream iterator: the merged state after
// a superstep, or the terminal error.
type StepSnapshot[S any] struct {
	Step  int
	State S
	Done  bool
	Err   error
}

// Stream executes the workflow like Invoke but yields the merged state after
// every superstep. Intended for debug mode; production streaming flows
// through the per-thread event sink, not through engine snapshots.
//
// The returned channel is closed after the terminal snapshot.
func (e *Engine[S]) Stream(ctx context.Context, initial S, cfg Config) <-chan StepSnapshot[S] {
	out := make(chan StepSnapshot[S], 1)
	go func() {
		defer close(out)
		final, err := e.run(ctx, initial, cfg, func(step int, state S) {
			select {
			case out <- StepSnapshot[S]{Step: step, State: state}:
			case <-ctx.Done():
			}
		})
		out <- StepSnapshot[S]{State: final, Done: true, Err: err}
	}()
	return out
}

// checkRunnable validates the pieces every execution path needs.
func (e *Engine[S]) checkRunnable(cfg Config) error {
	if e.reducer == nil {
		return &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.saver == nil {
		return &EngineError{Message: "checkpoint saver is required", Code: "MISSING_SAVER"}
	}
	if cfg.ThreadID == "" {
		return &EngineError{Message: "config.ThreadID is required", Code: "MISSING_THREAD_ID"}
	}
	return nil
}

func (e *Engine[S]) run(ctx context.Context, initial S, cfg Config, observe stepObserver[S]) (S, error) {
	var zero S

	if err := e.checkRunnable(cfg); err != nil {
		return zero, err
	}
	if e.startNode == "" {
		return zero, &EngineError{Message: "start node not set (call StartAt)", Code: "NO_START_NODE"}
	}

	state := initial

	parentID, err := e.saveCheckpoint(ctx, cfg, Checkpoint[S]{
		ThreadID: cfg.ThreadID,
		Step:     0,
		State:    state,
		PendingSends: []Send[S]{{Node: e.startNode}},
		Metadata: CheckpointMetadata{Source: SourceInput, Step: 0},
	}, "")
	if err != nil {
		return zero, err
	}

	frontier := []Task[S]{{NodeID: e.startNode, State: state, SendIndex: -1}}
	return e.loop(ctx, cfg, state, frontier, 0, map[string]int{}, parentID, observe)
}

// Resume continues an interrupted run for cfg.ThreadID from its latest
// checkpoint, re-seeding the frontier from the persisted pending sends so an
// in-flight fan-out survives a process restart. Returns ErrNotFound when the
// thread has no checkpoint and ErrNothingToResume when the latest checkpoint
// is terminal.
func (e *Engine[S]) Resume(ctx context.Context, cfg Config) (S, error) {
	var zero S

	if err := e.checkRunnable(cfg); err != nil {
		return zero, err
	}

	cp, err := e.saver.GetTuple(ctx, cfg)
	if err != nil {
		return zero, err
	}
	if len(cp.PendingSends) == 0 {
		return zero, ErrNothingToResume
	}

	state := cp.State
	frontier := make([]Task[S], 0, len(cp.PendingSends))
	for i, send := range cp.PendingSends {
		snapshot, err := deepCopy(state)
		if err != nil {
			return zero, &EngineError{Message: err.Error(), Code: "STATE_COPY_FAILED"}
		}
		// Send args re-merge over the saved state exactly as the original
		// superstep seeded them; edge-scheduled sends carry a zero arg,
		// which reduces as a no-op.
		frontier = append(frontier, Task[S]{
			NodeID:    send.Node,
			State:     e.reducer(snapshot, send.Arg),
			SendIndex: i,
		})
	}

	e.emitter.Emit(emit.Event{
		RunID: cfg.ThreadID,
		Step:  cp.Step,
		Msg:   "run resumed",
		Meta:  map[string]any{"pending": len(cp.PendingSends), "checkpoint_id": cp.ID},
	})
	return e.loop(ctx, cfg, state, frontier, cp.Step, cloneVersions(cp.ChannelVersions), cp.ID, nil)
}

// loop drives supersteps until the frontier drains. step and versions carry
// the progress already committed when resuming.
func (e *Engine[S]) loop(ctx context.Context, cfg Config, state S, frontier []Task[S], step int, versions map[string]int, parentID string, observe stepObserver[S]) (S, error) {
	var zero S

	for len(frontier) > 0 {
		step++
		if step > e.opts.maxSteps() {
			e.emitRunError(cfg, step, ErrMaxSteps)
			return zero, &EngineError{Message: ErrMaxSteps.Error(), Code: "MAX_STEPS_EXCEEDED"}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		results, err := runSuperstep(ctx, e.nodes, frontier, e.opts)
		if err != nil {
			e.emitRunError(cfg, step, err)
			return zero, err
		}

		// Merge phase: deterministic order established by runSuperstep.
		for _, r := range results {
			state = e.reducer(state, r.result.Delta)
			versions[r.task.NodeID] = step
			e.emitter.Emit(emit.Event{
				RunID:  cfg.ThreadID,
				Step:   step,
				NodeID: r.task.NodeID,
				Msg:    "node completed",
			})
		}
		e.opts.Metrics.observeSuperstep(e.graphID)

		frontier, err = e.routeNext(results, state)
		if err != nil {
			e.emitRunError(cfg, step, err)
			return zero, err
		}

		sends := make([]Send[S], 0, len(frontier))
		for _, t := range frontier {
			if t.SendIndex >= 0 {
				sends = append(sends, Send[S]{Node: t.NodeID, Arg: t.State})
			} else {
				sends = append(sends, Send[S]{Node: t.NodeID})
			}
		}

		parentID, err = e.saveCheckpoint(ctx, cfg, Checkpoint[S]{
			ThreadID:        cfg.ThreadID,
			Step:            step,
			State:           state,
			PendingSends:    sends,
			ChannelVersions: cloneVersions(versions),
			Metadata:        CheckpointMetadata{Source: SourceLoop, Step: step},
		}, parentID)
		if err != nil {
			e.emitRunError(cfg, step, err)
			return zero, err
		}

		// Seed send tasks with their partial state merged over the
		// accumulated state, so workers see both context and step args.
		for i := range frontier {
			if frontier[i].SendIndex >= 0 {
				snapshot, err := deepCopy(state)
				if err != nil {
					return zero, &EngineError{Message: err.Error(), Code: "STATE_COPY_FAILED"}
				}
				frontier[i].State = e.reducer(snapshot, frontier[i].State)
			} else {
				snapshot, err := deepCopy(state)
				if err != nil {
					return zero, &EngineError{Message: err.Error(), Code: "STATE_COPY_FAILED"}
				}
				frontier[i].State = snapshot
			}
		}

		if observe != nil {
			observe(step, state)
		}
	}

	e.emitter.Emit(emit.Event{RunID: cfg.ThreadID, Step: step, Msg: "run complete"})
	return state, nil
}

// routeNext evaluates explicit routes, routers, and static edges for every
// node that executed, in merge order, and assembles the next frontier.
// Edge-scheduled targets are deduplicated (fan-in); Sends are not.
func (e *Engine[S]) routeNext(results []taskResult[S], state S) ([]Task[S], error) {
	var frontier []Task[S]
	scheduled := map[string]bool{}
	routed := map[string]bool{}

	addTarget := func(to string) {
		if to == "" || to == END || scheduled[to] {
			return
		}
		scheduled[to] = true
		frontier = append(frontier, Task[S]{NodeID: to, SendIndex: -1})
	}

	addSends := func(sends []Send[S]) {
		for i, s := range sends {
			frontier = append(frontier, Task[S]{NodeID: s.Node, State: s.Arg, SendIndex: i})
		}
	}

	for _, r := range results {
		from := r.task.NodeID
		if routed[from] {
			// A node that ran multiple times in one superstep (parallel
			// Sends) routes once against the merged state.
			continue
		}
		routed[from] = true

		if !r.result.Route.isZero() {
			next := r.result.Route
			if next.Terminal {
				continue
			}
			addTarget(next.To)
			addSends(next.Sends)
			continue
		}

		if router, ok := e.routers[from]; ok {
			next := router(state)
			if next.isZero() {
				return nil, &EngineError{
					Message: "router for " + from + " returned no route",
					Code:    "NO_ROUTE",
				}
			}
			if next.Terminal {
				continue
			}
			addTarget(next.To)
			addSends(next.Sends)
			continue
		}

		for _, edge := range e.edges {
			if edge.From == from {
				addTarget(edge.To)
			}
		}
		// No route, no edges: the branch terminates.
	}
	return frontier, nil
}

// saveCheckpoint persists one checkpoint, retrying per Options on failure.
func (e *Engine[S]) saveCheckpoint(ctx context.Context, cfg Config, cp Checkpoint[S], parentID string) (string, error) {
	cp.ID = uuid.NewString()
	cp.ParentID = parentID
	cp.UserID = cfg.UserID
	cp.CreatedAt = time.Now().UTC()

	var lastErr error
	for attempt := 0; attempt <= e.opts.checkpointRetries(); attempt++ {
		if attempt > 0 {
			e.opts.Metrics.observeCheckpoint("retry")
		}
		if err := e.saver.Put(ctx, cfg, cp); err != nil {
			lastErr = err
			continue
		}
		e.opts.Metrics.observeCheckpoint("success")
		e.emitter.Emit(emit.Event{
			RunID: cfg.ThreadID,
			Step:  cp.Step,
			Msg:   "checkpoint saved",
			Meta:  map[string]any{"checkpoint_id": cp.ID},
		})
		return cp.ID, nil
	}
	e.opts.Metrics.observeCheckpoint("error")
	return "", &EngineError{Message: "failed to save checkpoint: " + lastErr.Error(), Code: "STORE_ERROR"}
}

func (e *Engine[S]) emitRunError(cfg Config, step int, err error) {
	e.emitter.Emit(emit.Event{
		RunID: cfg.ThreadID,
		Step:  step,
		Msg:   "run error",
		Meta:  map[string]any{"error": err.Error()},
	})
}

func cloneVersions(v map[string]int) map[string]int {
	out := make(map[string]int, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

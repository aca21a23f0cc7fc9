package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// testState is the state used across engine tests. Values gets appended by
// multiple nodes, so merge-order tests can read the commit sequence off it.
type testState struct {
	Values  []string `json:"values"`
	Arg     string   `json:"arg,omitempty"`
	Waiting int      `json:"waiting"`
}

func testReducer(prev, delta testState) testState {
	out := prev
	out.Values = append(out.Values, delta.Values...)
	if delta.Arg != "" {
		out.Arg = delta.Arg
	}
	out.Waiting += delta.Waiting
	return out
}

// fakeSaver records checkpoints in memory and can be scripted to fail.
type fakeSaver struct {
	mu          sync.Mutex
	checkpoints []Checkpoint[testState]
	failures    int
}

func (f *fakeSaver) Setup(ctx context.Context) error { return nil }

func (f *fakeSaver) Put(ctx context.Context, cfg Config, cp Checkpoint[testState]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("server closed the connection")
	}
	f.checkpoints = append(f.checkpoints, cp)
	return nil
}

func (f *fakeSaver) PutWrites(ctx context.Context, cfg Config, checkpointID string, writes []PendingWrite) error {
	return nil
}

func (f *fakeSaver) GetTuple(ctx context.Context, cfg Config) (*Checkpoint[testState], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.checkpoints) == 0 {
		return nil, ErrNotFound
	}
	cp := f.checkpoints[len(f.checkpoints)-1]
	return &cp, nil
}

func (f *fakeSaver) List(ctx context.Context, cfg Config, limit int) ([]Checkpoint[testState], error) {
	return nil, nil
}

func (f *fakeSaver) Close() error { return nil }

func appendNode(value string) NodeFunc[testState] {
	return func(ctx context.Context, s testState) NodeResult[testState] {
		return NodeResult[testState]{Delta: testState{Values: []string{value}}}
	}
}

func newTestEngine(t *testing.T, saver Saver[testState], opts Options) *Engine[testState] {
	t.Helper()
	return New[testState]("test", testReducer, saver, nil, opts)
}

func TestLinearRun(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{})

	mustAdd(t, e, "a", appendNode("a"))
	mustAdd(t, e, "b", appendNode("b"))
	mustAdd(t, e, "c", appendNode("c"))
	mustEdge(t, e, "a", "b")
	mustEdge(t, e, "b", "c")
	mustStart(t, e, "a")

	final, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := strings.Join(final.Values, ","); got != "a,b,c" {
		t.Errorf("values = %s, want a,b,c", got)
	}
}

func TestFanOutMergeOrderIsDeterministic(t *testing.T) {
	// Three sends to workers finishing in random order must merge by node
	// name then send index, run after run.
	for run := 0; run < 5; run++ {
		saver := &fakeSaver{}
		e := newTestEngine(t, saver, Options{})

		mustAdd(t, e, "start", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
			return NodeResult[testState]{Route: FanOut(
				Send[testState]{Node: "w_b", Arg: testState{Arg: "b0"}},
				Send[testState]{Node: "w_a", Arg: testState{Arg: "a0"}},
				Send[testState]{Node: "w_b", Arg: testState{Arg: "b1"}},
			)}
		}))
		worker := func(name string) NodeFunc[testState] {
			return func(ctx context.Context, s testState) NodeResult[testState] {
				time.Sleep(time.Duration(len(s.Arg)) * time.Millisecond)
				return NodeResult[testState]{
					Delta: testState{Values: []string{name + ":" + s.Arg}},
					Route: Stop[testState](),
				}
			}
		}
		mustAdd(t, e, "w_a", worker("w_a"))
		mustAdd(t, e, "w_b", worker("w_b"))
		mustStart(t, e, "start")

		final, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if got := strings.Join(final.Values, ","); got != "w_a:a0,w_b:b0,w_b:b1" {
			t.Fatalf("run %d merge order = %s, want w_a:a0,w_b:b0,w_b:b1", run, got)
		}
	}
}

func TestFanInBarrierDedupesEdgeTargets(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{})

	mustAdd(t, e, "start", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		return NodeResult[testState]{Route: FanOut(
			Send[testState]{Node: "w1"},
			Send[testState]{Node: "w2"},
		)}
	}))
	mustAdd(t, e, "w1", appendNode("w1"))
	mustAdd(t, e, "w2", appendNode("w2"))

	var aggRuns int
	var aggMu sync.Mutex
	mustAdd(t, e, "agg", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		aggMu.Lock()
		aggRuns++
		aggMu.Unlock()
		return NodeResult[testState]{
			Delta: testState{Values: []string{"agg"}},
			Route: Stop[testState](),
		}
	}))
	mustEdge(t, e, "w1", "agg")
	mustEdge(t, e, "w2", "agg")
	mustStart(t, e, "start")

	final, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if aggRuns != 1 {
		t.Errorf("aggregator ran %d times, want 1", aggRuns)
	}
	if len(final.Values) != 3 {
		t.Errorf("values = %v, want both workers plus one agg", final.Values)
	}
}

func TestRouterSelectsBranch(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{})

	mustAdd(t, e, "classify", appendNode("classify"))
	mustAdd(t, e, "simple", appendNode("simple"))
	mustAdd(t, e, "complex", appendNode("complex"))
	if err := e.AddRouter("classify", func(s testState) Next[testState] {
		if len(s.Values) > 0 {
			return Next[testState]{To: "simple"}
		}
		return Next[testState]{To: "complex"}
	}); err != nil {
		t.Fatalf("AddRouter: %v", err)
	}
	mustStart(t, e, "classify")

	final, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := strings.Join(final.Values, ","); got != "classify,simple" {
		t.Errorf("values = %s, want classify,simple", got)
	}
}

func TestRouterReturningNoRouteFails(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{})

	mustAdd(t, e, "a", appendNode("a"))
	mustAdd(t, e, "b", appendNode("b"))
	if err := e.AddRouter("a", func(s testState) Next[testState] {
		return Next[testState]{}
	}); err != nil {
		t.Fatalf("AddRouter: %v", err)
	}
	mustStart(t, e, "a")

	_, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != "NO_ROUTE" {
		t.Errorf("err = %v, want NO_ROUTE", err)
	}
}

func TestCheckpointPerSuperstep(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{})

	mustAdd(t, e, "a", appendNode("a"))
	mustAdd(t, e, "b", appendNode("b"))
	mustEdge(t, e, "a", "b")
	mustStart(t, e, "a")

	if _, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1", UserID: "u1"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	// Input checkpoint plus one per superstep.
	if len(saver.checkpoints) != 3 {
		t.Fatalf("checkpoints = %d, want 3", len(saver.checkpoints))
	}
	first := saver.checkpoints[0]
	if first.Metadata.Source != SourceInput || first.Step != 0 {
		t.Errorf("first checkpoint = %+v, want input source at step 0", first.Metadata)
	}
	if len(first.PendingSends) != 1 || first.PendingSends[0].Node != "a" {
		t.Errorf("input pending sends = %+v, want start node", first.PendingSends)
	}
	for i := 1; i < len(saver.checkpoints); i++ {
		cp := saver.checkpoints[i]
		if cp.Metadata.Source != SourceLoop {
			t.Errorf("checkpoint %d source = %s, want loop", i, cp.Metadata.Source)
		}
		if cp.ParentID != saver.checkpoints[i-1].ID {
			t.Errorf("checkpoint %d parent chain broken", i)
		}
		if cp.UserID != "u1" {
			t.Errorf("checkpoint %d user = %q, want u1", i, cp.UserID)
		}
	}
	last := saver.checkpoints[len(saver.checkpoints)-1]
	if ver := last.ChannelVersions["b"]; ver != 2 {
		t.Errorf("channel version for b = %d, want 2", ver)
	}
}

func TestCheckpointRetryOnConnectionError(t *testing.T) {
	saver := &fakeSaver{failures: 1}
	e := newTestEngine(t, saver, Options{CheckpointRetries: 2})

	mustAdd(t, e, "a", appendNode("a"))
	mustStart(t, e, "a")

	if _, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"}); err != nil {
		t.Fatalf("Invoke with one transient failure: %v", err)
	}
}

func TestCheckpointFailureAbortsRun(t *testing.T) {
	saver := &fakeSaver{failures: 10}
	e := newTestEngine(t, saver, Options{CheckpointRetries: 1})

	mustAdd(t, e, "a", appendNode("a"))
	mustStart(t, e, "a")

	_, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != "STORE_ERROR" {
		t.Errorf("err = %v, want STORE_ERROR", err)
	}
}

func TestNodeErrorAbortsRun(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{})

	mustAdd(t, e, "boom", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		return NodeResult[testState]{Err: errors.New("planner payload invalid")}
	}))
	mustStart(t, e, "boom")

	_, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) || nodeErr.NodeID != "boom" {
		t.Errorf("err = %v, want NodeError for boom", err)
	}
}

func TestMaxStepsGuard(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{MaxSteps: 5})

	mustAdd(t, e, "loop", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		return NodeResult[testState]{Route: Goto[testState]("loop")}
	}))
	mustStart(t, e, "loop")

	_, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != "MAX_STEPS_EXCEEDED" {
		t.Errorf("err = %v, want MAX_STEPS_EXCEEDED", err)
	}
}

func TestNodeTimeout(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{
		NodeTimeouts: map[string]time.Duration{"slow": 10 * time.Millisecond},
	})

	mustAdd(t, e, "slow", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return NodeResult[testState]{}
	}))
	mustStart(t, e, "slow")

	start := time.Now()
	_, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
	if time.Since(start) > 500*time.Millisecond {
		t.Error("timeout did not cut execution short")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != "NODE_TIMEOUT" {
		t.Errorf("err = %v, want NODE_TIMEOUT", err)
	}
}

func TestStreamYieldsSnapshots(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{})

	mustAdd(t, e, "a", appendNode("a"))
	mustAdd(t, e, "b", appendNode("b"))
	mustEdge(t, e, "a", "b")
	mustStart(t, e, "a")

	var steps []int
	var final StepSnapshot[testState]
	for snap := range e.Stream(context.Background(), testState{}, Config{ThreadID: "t1"}) {
		if snap.Done {
			final = snap
			continue
		}
		steps = append(steps, snap.Step)
	}
	if len(steps) != 2 {
		t.Errorf("snapshots = %v, want 2 steps", steps)
	}
	if final.Err != nil || strings.Join(final.State.Values, ",") != "a,b" {
		t.Errorf("final = %+v", final)
	}
}

func TestSendStateSeesPartialOverAccumulated(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{})

	mustAdd(t, e, "start", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		return NodeResult[testState]{
			Delta: testState{Values: []string{"context"}},
			Route: FanOut(Send[testState]{Node: "w", Arg: testState{Arg: "task-7"}}),
		}
	}))
	mustAdd(t, e, "w", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		// The worker sees both the accumulated state and its send arg.
		if len(s.Values) != 1 || s.Arg != "task-7" {
			return NodeResult[testState]{Err: errors.New("worker state incomplete")}
		}
		return NodeResult[testState]{Route: Stop[testState]()}
	}))
	mustStart(t, e, "start")

	if _, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}

func TestAdditiveWaitingCounter(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{})

	mustAdd(t, e, "barrier", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		return NodeResult[testState]{
			Delta: testState{Waiting: 2},
			Route: FanOut(
				Send[testState]{Node: "w1"},
				Send[testState]{Node: "w2"},
			),
		}
	}))
	done := func(ctx context.Context, s testState) NodeResult[testState] {
		return NodeResult[testState]{Delta: testState{Waiting: -1}, Route: Stop[testState]()}
	}
	mustAdd(t, e, "w1", NodeFunc[testState](done))
	mustAdd(t, e, "w2", NodeFunc[testState](done))
	mustStart(t, e, "barrier")

	final, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if final.Waiting != 0 {
		t.Errorf("waiting = %d, want 0 after both workers decrement", final.Waiting)
	}
}

func TestDuplicateNodeRejected(t *testing.T) {
	e := newTestEngine(t, &fakeSaver{}, Options{})
	mustAdd(t, e, "a", appendNode("a"))
	if err := e.Add("a", appendNode("a")); err == nil {
		t.Error("duplicate node should be rejected")
	}
}

func TestMissingThreadIDRejected(t *testing.T) {
	e := newTestEngine(t, &fakeSaver{}, Options{})
	mustAdd(t, e, "a", appendNode("a"))
	mustStart(t, e, "a")
	if _, err := e.Invoke(context.Background(), testState{}, Config{}); err == nil {
		t.Error("missing thread ID should be rejected")
	}
}

func mustAdd(t *testing.T, e *Engine[testState], id string, n Node[testState]) {
	t.Helper()
	if err := e.Add(id, n); err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
}

func mustEdge(t *testing.T, e *Engine[testState], from, to string) {
	t.Helper()
	if err := e.AddEdge(from, to); err != nil {
		t.Fatalf("AddEdge(%s, %s): %v", from, to, err)
	}
}

func mustStart(t *testing.T, e *Engine[testState], id string) {
	t.Helper()
	if err := e.StartAt(id); err != nil {
		t.Fatalf("StartAt(%s): %v", id, err)
	}
}

func TestCompileValidation(t *testing.T) {
	t.Run("valid graph", func(t *testing.T) {
		e := newTestEngine(t, &fakeSaver{}, Options{})
		mustAdd(t, e, "a", appendNode("a"))
		mustAdd(t, e, "b", appendNode("b"))
		mustEdge(t, e, "a", "b")
		mustStart(t, e, "a")
		if err := e.Compile(); err != nil {
			t.Fatalf("Compile: %v", err)
		}
	})

	t.Run("missing start node", func(t *testing.T) {
		e := newTestEngine(t, &fakeSaver{}, Options{})
		mustAdd(t, e, "a", appendNode("a"))
		if err := e.Compile(); err == nil {
			t.Fatal("expected error for unset start node")
		}
	})

	t.Run("edge to unknown node", func(t *testing.T) {
		e := newTestEngine(t, &fakeSaver{}, Options{})
		mustAdd(t, e, "a", appendNode("a"))
		mustEdge(t, e, "a", "ghost")
		mustStart(t, e, "a")
		if err := e.Compile(); err == nil {
			t.Fatal("expected error for edge to unknown node")
		}
	})

	t.Run("edges and router on the same node", func(t *testing.T) {
		e := newTestEngine(t, &fakeSaver{}, Options{})
		mustAdd(t, e, "a", appendNode("a"))
		mustAdd(t, e, "b", appendNode("b"))
		mustEdge(t, e, "a", "b")
		if err := e.AddRouter("a", func(s testState) Next[testState] { return Stop[testState]() }); err != nil {
			t.Fatalf("AddRouter: %v", err)
		}
		mustStart(t, e, "a")
		if err := e.Compile(); err == nil {
			t.Fatal("expected error for node with both edges and a router")
		}
	})
}

func TestNodePanicBecomesRunError(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{})

	mustAdd(t, e, "a", appendNode("a"))
	mustAdd(t, e, "boom", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		panic("node exploded")
	}))
	mustEdge(t, e, "a", "boom")
	mustStart(t, e, "a")

	_, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		t.Fatalf("error type = %T, want *NodeError", err)
	}
	if nodeErr.Code != "NODE_PANIC" {
		t.Errorf("code = %q, want NODE_PANIC", nodeErr.Code)
	}
	if nodeErr.NodeID != "boom" {
		t.Errorf("node = %q, want boom", nodeErr.NodeID)
	}
	if !strings.Contains(nodeErr.Message, "node exploded") {
		t.Errorf("message %q does not carry the panic value", nodeErr.Message)
	}
}

func TestPanicInOneFanOutBranchFailsRunNotProcess(t *testing.T) {
	saver := &fakeSaver{}
	e := newTestEngine(t, saver, Options{})

	mustAdd(t, e, "split", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		return NodeResult[testState]{Route: FanOut(
			Send[testState]{Node: "ok"},
			Send[testState]{Node: "bad"},
		)}
	}))
	mustAdd(t, e, "ok", appendNode("ok"))
	mustAdd(t, e, "bad", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		panic("worker exploded")
	}))
	mustStart(t, e, "split")

	_, err := e.Invoke(context.Background(), testState{}, Config{ThreadID: "t1"})
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	if !strings.Contains(err.Error(), "worker exploded") {
		t.Errorf("error %q does not carry the panic value", err)
	}
}

func TestResumeFromPendingSends(t *testing.T) {
	saver := &fakeSaver{}
	saver.checkpoints = append(saver.checkpoints, Checkpoint[testState]{
		ThreadID: "t1",
		ID:       "cp-1",
		Step:     2,
		State:    testState{Values: []string{"a"}},
		PendingSends: []Send[testState]{
			{Node: "b"},
			{Node: "w", Arg: testState{Arg: "payload"}},
		},
		ChannelVersions: map[string]int{"a": 1},
	})

	e := newTestEngine(t, saver, Options{})
	mustAdd(t, e, "b", appendNode("b"))
	mustAdd(t, e, "w", NodeFunc[testState](func(ctx context.Context, s testState) NodeResult[testState] {
		// The send arg must survive the restart.
		return NodeResult[testState]{Delta: testState{Values: []string{"w:" + s.Arg}}}
	}))
	mustStart(t, e, "b")

	final, err := e.Resume(context.Background(), Config{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := strings.Join(final.Values, ","); got != "a,b,w:payload" {
		t.Errorf("values = %s, want a,b,w:payload", got)
	}

	// The resumed superstep commits a new terminal checkpoint past the
	// recovered one.
	last := saver.checkpoints[len(saver.checkpoints)-1]
	if last.Step != 3 {
		t.Errorf("last checkpoint step = %d, want 3", last.Step)
	}
	if len(last.PendingSends) != 0 {
		t.Errorf("terminal checkpoint still has %d pending sends", len(last.PendingSends))
	}
	if last.ParentID != "cp-1" {
		t.Errorf("parent = %q, want cp-1", last.ParentID)
	}
}

func TestResumeTerminalCheckpoint(t *testing.T) {
	saver := &fakeSaver{}
	saver.checkpoints = append(saver.checkpoints, Checkpoint[testState]{
		ThreadID: "t1",
		Step:     4,
		State:    testState{Values: []string{"done"}},
	})

	e := newTestEngine(t, saver, Options{})
	mustAdd(t, e, "a", appendNode("a"))
	mustStart(t, e, "a")

	_, err := e.Resume(context.Background(), Config{ThreadID: "t1"})
	if !errors.Is(err, ErrNothingToResume) {
		t.Fatalf("error = %v, want ErrNothingToResume", err)
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	e := newTestEngine(t, &fakeSaver{}, Options{})
	mustAdd(t, e, "a", appendNode("a"))
	mustStart(t, e, "a")

	_, err := e.Resume(context.Background(), Config{ThreadID: "t-unknown"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

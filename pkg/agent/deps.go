package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/xiaomayi-ant/smart-agent/graph/model"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
	"github.com/xiaomayi-ant/smart-agent/pkg/tools"
)

// SlotExtractor enriches a turn with intent slots before detection. The
// extractor service itself is external; implementations wrap its API.
type SlotExtractor interface {
	Extract(ctx context.Context, utterance string) (SlotBundle, error)
}

// SlotBundle is the extractor's output.
type SlotBundle struct {
	Slots    map[string]any
	Analysis *IntentAnalysis
	Composed string
}

// SQLRunner is the structured-query surface the SQL worker needs.
// *tools.SQLExecutor implements it.
type SQLRunner interface {
	Query(ctx context.Context, q tools.StructuredQuery, userID string) ([]map[string]any, error)
}

// VectorIndex is the retrieval surface the vector worker needs.
// *tools.VectorSearcher implements it.
type VectorIndex interface {
	Search(ctx context.Context, query string, topK int) ([]tools.Hit, error)
}

// GraphSearcher is the knowledge-graph surface the KG worker needs.
// *tools.KGClient implements it.
type GraphSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]map[string]any, error)
}

// Deps wires the agent graph to its collaborators. Event sinks are reached
// through the registry by thread id, never through state.
type Deps struct {
	// Chat handles conversation turns and streaming answers.
	Chat model.StreamingChatModel

	// Planner produces schema-constrained plans. Usually the same provider
	// as Chat.
	Planner model.StructuredChatModel

	// PlannerMethod overrides the provider's structured-output default.
	// "disabled" skips the LLM planner entirely.
	PlannerMethod string

	// Slots is optional; without it the intent_slot node is a no-op.
	Slots SlotExtractor

	SQL    SQLRunner
	Vector VectorIndex
	KG     GraphSearcher

	// Tools is the probe/approval tool registry.
	Tools *tools.Registry

	// Events delivers SSE events to the active stream of a thread.
	Events *stream.Registry

	// Trace enables the optional tracing events.
	Trace bool

	// MinScore is the vector low-confidence threshold.
	MinScore float64

	// WorkerDeadline bounds each retrieval worker.
	WorkerDeadline time.Duration

	// Now is injectable for the time-anchored prompts.
	Now func() time.Time

	Logger *slog.Logger
}

// Agent holds the graph's node implementations over a fixed set of deps.
type Agent struct {
	deps Deps
}

// New creates an Agent, filling defaulted deps.
func New(deps Deps) *Agent {
	if deps.WorkerDeadline <= 0 {
		deps.WorkerDeadline = 30 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Agent{deps: deps}
}

// push delivers an event to the thread's stream, dropping tracing events
// unless tracing is enabled.
func (a *Agent) push(threadID string, ev stream.Event) {
	if a.deps.Events == nil {
		return
	}
	if ev.IsTrace() && !a.deps.Trace {
		return
	}
	a.deps.Events.Push(threadID, ev)
}

// streamTokens pushes partial_ai deltas with monotonically accumulated
// content, splitting long provider deltas into small chunks.
func (a *Agent) streamTokens(threadID string) (model.TokenFunc, *string) {
	var accumulated string
	fn := func(token string) error {
		for _, chunk := range stream.SplitToken(token) {
			accumulated += chunk
			a.push(threadID, stream.Event{
				Name: stream.EventPartialAI,
				Data: map[string]any{"content": accumulated},
			})
		}
		return nil
	}
	return fn, &accumulated
}

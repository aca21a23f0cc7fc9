// Package agent implements the retrieval orchestration graph: intent
// detection, planning, parallel SQL/vector/knowledge-graph workers, staged
// aggregation, and the grounded response writer.
package agent

import (
	"github.com/xiaomayi-ant/smart-agent/graph/model"
)

// Evidence sources.
const (
	SourceSQL    = "sql"
	SourceVector = "vector"
	SourceKG     = "kg"
)

// Intent values set by detect_intent.
const (
	IntentRegular = "regular"
	IntentTool    = "tool"
)

// Aggregator routes.
const (
	RouteMore = "more"
	RouteFast = "fast"
	RouteDone = "done"
)

// Evidence is the normalized shape every retrieval worker returns. For SQL
// rows Text is a formatted row summary, for vector hits the chunk, for
// knowledge-graph items a fact string.
type Evidence struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Source   string         `json:"source"`
}

// UpdateOp distinguishes the three meanings an evidence-field delta can
// carry: empty op with no items is a no-op, empty op with items appends,
// and clear resets the accumulated list.
type UpdateOp string

// OpClear resets the accumulated list to empty.
const OpClear UpdateOp = "clear"

// Update is the delta type for clearable-append list fields. The zero value
// is a no-op, so nodes that do not touch a field leave it alone.
type Update[T any] struct {
	Op    UpdateOp `json:"op,omitempty"`
	Items []T      `json:"items,omitempty"`
}

// Clear returns the delta that empties the field.
func Clear[T any]() Update[T] {
	return Update[T]{Op: OpClear}
}

// Append returns the delta that appends items. With no items it is a no-op,
// not a clear.
func Append[T any](items ...T) Update[T] {
	return Update[T]{Items: items}
}

// reduceUpdate applies delta to the accumulated value. The result always
// has an empty op: clears collapse into an empty item list.
func reduceUpdate[T any](prev, delta Update[T]) Update[T] {
	if delta.Op == OpClear {
		return Update[T]{}
	}
	if len(delta.Items) == 0 {
		return Update[T]{Items: prev.Items}
	}
	items := make([]T, 0, len(prev.Items)+len(delta.Items))
	items = append(items, prev.Items...)
	items = append(items, delta.Items...)
	return Update[T]{Items: items}
}

// IntentAnalysis is the signal bundle produced by the slot extractor.
type IntentAnalysis struct {
	Signals []string `json:"signals,omitempty"`
}

// HasSignal reports whether the extractor flagged the named signal.
func (a *IntentAnalysis) HasSignal(name string) bool {
	if a == nil {
		return false
	}
	for _, s := range a.Signals {
		if s == name {
			return true
		}
	}
	return false
}

// WorkerTask is the per-send payload the orchestrator seeds each worker
// with: which call to make and its planner-supplied arguments.
type WorkerTask struct {
	Call string         `json:"call"`
	Args map[string]any `json:"args,omitempty"`
}

// TurnState is the unit the graph operates on. Evidence fields carry
// clearable-append deltas, Waiting is additive, Messages append with id
// dedup, and everything else is overwrite (non-zero delta wins).
type TurnState struct {
	Messages []model.Message `json:"messages,omitempty"`

	ThreadID string `json:"thread_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	FileID   string `json:"file_id,omitempty"`

	Intent         string          `json:"intent,omitempty"`
	IntentSlots    map[string]any  `json:"intent_slots,omitempty"`
	IntentAnalysis *IntentAnalysis `json:"intent_analysis,omitempty"`
	IntentComposed string          `json:"intent_composed,omitempty"`

	Plan       *Plan `json:"plan,omitempty"`
	StageIndex int   `json:"stage_index,omitempty"`

	SQLResults Update[Evidence] `json:"sql_results,omitempty"`
	VecResults Update[Evidence] `json:"vec_results,omitempty"`
	KGResults  Update[Evidence] `json:"kg_results,omitempty"`
	Merged     Update[Evidence] `json:"merged,omitempty"`

	// Waiting counts workers still outstanding in the current stage. It is
	// additive: set_barrier adds the dispatch count, every worker adds -1.
	// Fan-in correctness comes from graph topology; this is a tracing aid.
	Waiting int `json:"waiting,omitempty"`

	AggRoute string `json:"agg_route,omitempty"`

	// Task is the send-seeded work item a worker reads. Only present on the
	// partial state of a fan-out send.
	Task *WorkerTask `json:"task,omitempty"`

	CandidateToolCalls bool   `json:"candidate_tool_calls,omitempty"`
	AlreadyStreamed    bool   `json:"already_streamed,omitempty"`
	FinalAnswer        string `json:"final_answer,omitempty"`
}

// Reduce merges a node's delta into the accumulated state. It is the
// engine's reducer for TurnState and must commute for fields written by
// parallel workers (the evidence lists and Waiting).
func Reduce(prev, delta TurnState) TurnState {
	next := prev

	next.Messages = appendMessages(prev.Messages, delta.Messages)

	if delta.ThreadID != "" {
		next.ThreadID = delta.ThreadID
	}
	if delta.UserID != "" {
		next.UserID = delta.UserID
	}
	if delta.FileID != "" {
		next.FileID = delta.FileID
	}
	if delta.Intent != "" {
		next.Intent = delta.Intent
	}
	if delta.IntentSlots != nil {
		next.IntentSlots = delta.IntentSlots
	}
	if delta.IntentAnalysis != nil {
		next.IntentAnalysis = delta.IntentAnalysis
	}
	if delta.IntentComposed != "" {
		next.IntentComposed = delta.IntentComposed
	}
	if delta.Plan != nil {
		next.Plan = delta.Plan
	}
	if delta.StageIndex != 0 {
		next.StageIndex = delta.StageIndex
	}

	next.SQLResults = reduceUpdate(prev.SQLResults, delta.SQLResults)
	next.VecResults = reduceUpdate(prev.VecResults, delta.VecResults)
	next.KGResults = reduceUpdate(prev.KGResults, delta.KGResults)
	next.Merged = reduceUpdate(prev.Merged, delta.Merged)

	next.Waiting = prev.Waiting + delta.Waiting

	if delta.AggRoute != "" {
		next.AggRoute = delta.AggRoute
	}
	if delta.Task != nil {
		next.Task = delta.Task
	}
	if delta.CandidateToolCalls {
		next.CandidateToolCalls = true
	}
	if delta.AlreadyStreamed {
		next.AlreadyStreamed = true
	}
	if delta.FinalAnswer != "" {
		next.FinalAnswer = delta.FinalAnswer
	}

	return next
}

// appendMessages appends src to dst, dropping src entries whose non-empty
// id already appears in dst.
func appendMessages(dst, src []model.Message) []model.Message {
	if len(src) == 0 {
		return dst
	}
	seen := make(map[string]bool, len(dst))
	for _, m := range dst {
		if m.ID != "" {
			seen[m.ID] = true
		}
	}
	out := make([]model.Message, len(dst), len(dst)+len(src))
	copy(out, dst)
	for _, m := range src {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		if m.ID != "" {
			seen[m.ID] = true
		}
		out = append(out, m)
	}
	return out
}

// lastUserContent returns the content of the most recent user message.
func lastUserContent(messages []model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

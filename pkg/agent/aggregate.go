package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
)

// aggregate is the fan-in point. Superstep semantics guarantee every
// dispatched worker has committed before it runs; waiting is never polled.
// It folds the per-source lists into merged, then decides: fast-path to the
// writer when only deterministic sources produced evidence, another stage
// when the plan has one, done otherwise.
func (a *Agent) aggregate(_ context.Context, state TurnState) graph.NodeResult[TurnState] {
	all := make([]Evidence, 0,
		len(state.SQLResults.Items)+len(state.VecResults.Items)+len(state.KGResults.Items))
	all = append(all, state.SQLResults.Items...)
	all = append(all, state.VecResults.Items...)
	all = append(all, state.KGResults.Items...)

	// Append only records not already in merged, keyed conservatively, so
	// re-aggregating after a later stage never duplicates earlier evidence.
	seen := make(map[string]bool, len(state.Merged.Items))
	for _, item := range state.Merged.Items {
		seen[evidenceKey(item)] = true
	}
	var fresh []Evidence
	for _, item := range all {
		key := evidenceKey(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		fresh = append(fresh, item)
	}
	mergedLen := len(state.Merged.Items) + len(fresh)

	present := make(map[string]bool, 3)
	if len(state.SQLResults.Items) > 0 {
		present[SourceSQL] = true
	}
	if len(state.VecResults.Items) > 0 {
		present[SourceVector] = true
	}
	if len(state.KGResults.Items) > 0 {
		present[SourceKG] = true
	}

	delta := TurnState{Merged: Append(fresh...)}

	switch {
	case !present[SourceVector] && mergedLen > 0:
		delta.AggRoute = RouteFast
	case state.Plan != nil && state.StageIndex+1 < len(state.Plan.Stages):
		delta.AggRoute = RouteMore
		delta.StageIndex = state.StageIndex + 1
	default:
		delta.AggRoute = RouteDone
	}

	a.push(state.ThreadID, stream.Event{
		Name: stream.EventAggregate,
		Data: map[string]any{
			"stage_index": state.StageIndex,
			"merged":      mergedLen,
			"route":       delta.AggRoute,
		},
	})
	return graph.NodeResult[TurnState]{Delta: delta}
}

// aggregateRoute continues to the next stage or hands off to the writer.
func (a *Agent) aggregateRoute(state TurnState) graph.Next[TurnState] {
	if state.AggRoute == RouteMore {
		return graph.Goto[TurnState](NodeSetBarrier)
	}
	return graph.Goto[TurnState](NodeResponseWriter)
}

// evidenceKey dedupes by (source, metadata id) when the record carries an
// id, by a text hash otherwise.
func evidenceKey(item Evidence) string {
	if id, ok := item.Metadata["id"]; ok {
		return item.Source + "/" + fmt.Sprint(id)
	}
	sum := sha256.Sum256([]byte(item.Text))
	return item.Source + "#" + hex.EncodeToString(sum[:8])
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/graph/model"
	"github.com/xiaomayi-ant/smart-agent/pkg/tools"
)

// runWorker executes one retrieval under the hard deadline. Failures and
// timeouts log and degrade to an empty result; the -1 waiting delta is
// returned unconditionally so the barrier always releases.
func (a *Agent) runWorker(ctx context.Context, state TurnState, fetch func(ctx context.Context) ([]Evidence, error)) []Evidence {
	ctx, cancel := context.WithTimeout(ctx, a.deps.WorkerDeadline)
	defer cancel()

	call := ""
	if state.Task != nil {
		call = state.Task.Call
	}

	items, err := fetch(ctx)
	if err != nil {
		a.deps.Logger.Warn("worker failed, releasing barrier with empty result",
			"thread_id", state.ThreadID, "call", call, "error", err)
		return nil
	}
	return items
}

// sqlWorker runs the structured query from its task and normalizes rows to
// evidence records. Raw SQL never passes through here; the builder accepts
// only validated identifiers and parameterized values.
func (a *Agent) sqlWorker(ctx context.Context, state TurnState) graph.NodeResult[TurnState] {
	items := a.runWorker(ctx, state, func(ctx context.Context) ([]Evidence, error) {
		if a.deps.SQL == nil {
			return nil, fmt.Errorf("sql runner not configured")
		}
		if state.Task == nil {
			return nil, fmt.Errorf("sql worker scheduled without a task")
		}
		q, err := tools.ParseQueryInput(state.Task.Args)
		if err != nil {
			return nil, err
		}
		rows, err := a.deps.SQL.Query(ctx, q, state.UserID)
		if err != nil {
			return nil, err
		}

		items := make([]Evidence, 0, len(rows))
		for _, row := range rows {
			items = append(items, Evidence{
				Text:     formatRow(row),
				Score:    1,
				Metadata: row,
				Source:   SourceSQL,
			})
		}
		return items, nil
	})

	return graph.NodeResult[TurnState]{Delta: TurnState{
		SQLResults: Append(items...),
		Waiting:    -1,
	}}
}

const rewriteQueryPrompt = `The search query below returned no useful documents. Rewrite it as a better retrieval query: expand abbreviations, add likely synonyms, keep it short. Return only the rewritten query.`

// vectorWorker runs the prepare/fetch/assess loop: one rewrite attempt is
// allowed when the first retrieval comes back empty or below the confidence
// threshold, after that it falls back to an empty result.
func (a *Agent) vectorWorker(ctx context.Context, state TurnState) graph.NodeResult[TurnState] {
	items := a.runWorker(ctx, state, func(ctx context.Context) ([]Evidence, error) {
		if a.deps.Vector == nil {
			return nil, fmt.Errorf("vector index not configured")
		}

		query, topK := a.prepareVectorQuery(state)
		hits, err := a.deps.Vector.Search(ctx, query, topK)
		if err != nil {
			return nil, err
		}

		if a.lowConfidence(hits) {
			rewritten, rerr := a.rewriteQuery(ctx, query)
			if rerr != nil || rewritten == "" || rewritten == query {
				return nil, rerr
			}
			hits, err = a.deps.Vector.Search(ctx, rewritten, topK)
			if err != nil {
				return nil, err
			}
			if a.lowConfidence(hits) {
				return nil, nil
			}
		}

		items := make([]Evidence, 0, len(hits))
		for _, hit := range hits {
			metadata := make(map[string]any, len(hit.Metadata)+1)
			for k, v := range hit.Metadata {
				metadata[k] = v
			}
			metadata["id"] = hit.ID
			items = append(items, Evidence{
				Text:     hit.Text,
				Score:    float64(hit.Score),
				Metadata: metadata,
				Source:   SourceVector,
			})
		}
		return items, nil
	})

	return graph.NodeResult[TurnState]{Delta: TurnState{
		VecResults: Append(items...),
		Waiting:    -1,
	}}
}

func (a *Agent) prepareVectorQuery(state TurnState) (string, int) {
	query := ""
	topK := 5
	if state.Task != nil {
		if q, ok := state.Task.Args["query"].(string); ok {
			query = q
		}
		if k, ok := state.Task.Args["top_k"].(float64); ok && k > 0 {
			topK = int(k)
		}
	}
	if query == "" {
		query = state.IntentComposed
	}
	if query == "" {
		query = lastUserContent(state.Messages)
	}
	return query, topK
}

func (a *Agent) lowConfidence(hits []tools.Hit) bool {
	return len(hits) == 0 || float64(hits[0].Score) < a.deps.MinScore
}

func (a *Agent) rewriteQuery(ctx context.Context, query string) (string, error) {
	out, err := a.deps.Chat.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: rewriteQueryPrompt},
		{Role: model.RoleUser, Content: query},
	}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

// kgWorker dispatches graph.search calls. Write and ingest-commit call
// types never run here; they go through the approval endpoint.
func (a *Agent) kgWorker(ctx context.Context, state TurnState) graph.NodeResult[TurnState] {
	items := a.runWorker(ctx, state, func(ctx context.Context) ([]Evidence, error) {
		if a.deps.KG == nil {
			return nil, fmt.Errorf("knowledge graph not configured")
		}

		callType := "graph.search"
		query := ""
		limit := 0
		if state.Task != nil {
			if ct, ok := state.Task.Args["call_type"].(string); ok && ct != "" {
				callType = ct
			}
			if q, ok := state.Task.Args["query"].(string); ok {
				query = q
			}
			if l, ok := state.Task.Args["limit"].(float64); ok {
				limit = int(l)
			}
		}
		if callType != "graph.search" {
			return nil, fmt.Errorf("call type %s is approval-gated and cannot run as a worker", callType)
		}
		if query == "" {
			query = lastUserContent(state.Messages)
		}

		results, err := a.deps.KG.Search(ctx, query, limit)
		if err != nil {
			return nil, err
		}

		items := make([]Evidence, 0, len(results))
		for _, item := range results {
			text, _ := item["fact"].(string)
			if text == "" {
				raw, _ := json.Marshal(item)
				text = string(raw)
			}
			score := 1.0
			if s, ok := item["score"].(float64); ok {
				score = s
			}
			items = append(items, Evidence{
				Text:     text,
				Score:    score,
				Metadata: item,
				Source:   SourceKG,
			})
		}
		return items, nil
	})

	return graph.NodeResult[TurnState]{Delta: TurnState{
		KGResults: Append(items...),
		Waiting:   -1,
	}}
}

// formatRow renders a row as "k=v" pairs in key order, the text shape the
// writer enumerates for SQL evidence.
func formatRow(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
	}
	return strings.Join(parts, ", ")
}

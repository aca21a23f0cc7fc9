package agent

import (
	"context"
	"encoding/json"

	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/graph/model"
	"github.com/xiaomayi-ant/smart-agent/pkg/config"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
)

const plannerPrompt = `You plan retrieval for a user question. Available calls:
- "sql": structured queries against the business database. Args: {table, fields, conditions, order_by, limit}.
- "vec": semantic search over indexed documents. Args: {query, top_k}.
- "kg": knowledge-graph fact lookup. Args: {call_type: "graph.search", query, limit}.

Group calls into stages. Steps in one stage with parallel=true run concurrently. Use later stages only when a call depends on earlier results. Prefer a single stage.

Return only the plan object.`

// plannerNode asks the model for a structured plan and falls back to the
// deterministic keyword router when the output is invalid or the planner is
// disabled. A plan is always produced.
func (a *Agent) plannerNode(ctx context.Context, state TurnState) graph.NodeResult[TurnState] {
	utterance := state.IntentComposed
	if utterance == "" {
		utterance = lastUserContent(state.Messages)
	}

	plan := a.structuredPlan(ctx, state, utterance)
	if plan == nil {
		plan = FallbackPlan(utterance)
	}

	a.push(state.ThreadID, stream.Event{
		Name: stream.EventPlanReady,
		Data: map[string]any{"plan": plan},
	})
	return graph.NodeResult[TurnState]{Delta: TurnState{Plan: plan}}
}

func (a *Agent) structuredPlan(ctx context.Context, state TurnState, utterance string) *Plan {
	if a.deps.Planner == nil || a.deps.PlannerMethod == config.PlannerDisabled {
		return nil
	}

	spec := model.StructuredSpec{
		Name:        "submit_plan",
		Description: "Submit the retrieval plan for the user's question.",
		Schema:      PlanSchema(),
	}
	switch a.deps.PlannerMethod {
	case config.PlannerJSONSchema:
		spec.Method = model.StructuredJSONSchema
	case config.PlannerJSONMode:
		spec.Method = model.StructuredJSONMode
	case config.PlannerToolCalling:
		spec.Method = model.StructuredToolCall
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: plannerPrompt},
		{Role: model.RoleUser, Content: plannerUserContent(state, utterance)},
	}
	raw, err := a.deps.Planner.ChatStructured(ctx, messages, spec)
	if err != nil {
		a.deps.Logger.Warn("planner call failed, using fallback", "thread_id", state.ThreadID, "error", err)
		return nil
	}

	plan, err := ParsePlan(raw)
	if err != nil {
		a.deps.Logger.Warn("planner output invalid, using fallback", "thread_id", state.ThreadID, "error", err)
		return nil
	}
	return plan
}

// plannerUserContent joins the utterance with the extractor's slot bundle
// so the planner sees resolved entities and dates.
func plannerUserContent(state TurnState, utterance string) string {
	if len(state.IntentSlots) == 0 {
		return utterance
	}
	slots, err := json.Marshal(state.IntentSlots)
	if err != nil {
		return utterance
	}
	return utterance + "\n\nExtracted slots: " + string(slots)
}

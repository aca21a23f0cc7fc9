package agent

import (
	"context"
	"fmt"

	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/graph/model"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
	"github.com/xiaomayi-ant/smart-agent/pkg/tools"
)

// collectBase initializes the turn: the four evidence fields are cleared so
// results from earlier turns never bleed in. On the regular intent the full
// answer is streamed here; on the tool intent a one-shot probe collects
// candidate tool calls, and an approval-listed candidate stops the run until
// the approval endpoint resumes it.
func (a *Agent) collectBase(ctx context.Context, state TurnState) graph.NodeResult[TurnState] {
	delta := TurnState{
		SQLResults: Clear[Evidence](),
		VecResults: Clear[Evidence](),
		KGResults:  Clear[Evidence](),
		Merged:     Clear[Evidence](),
	}

	if state.Intent != IntentTool {
		text, err := a.streamConversation(ctx, state, a.baseSystemPrompt())
		if err != nil {
			return graph.NodeResult[TurnState]{Err: err}
		}
		delta.Messages = []model.Message{{
			Role:    model.RoleAssistant,
			Content: text,
			ID:      stream.NewMessageID(),
		}}
		delta.AlreadyStreamed = true
		return graph.NodeResult[TurnState]{Delta: delta}
	}

	probe, err := a.probeToolCalls(ctx, state)
	if err != nil {
		a.deps.Logger.Warn("tool probe failed", "thread_id", state.ThreadID, "error", err)
		return graph.NodeResult[TurnState]{Delta: delta}
	}
	if len(probe) == 0 {
		return graph.NodeResult[TurnState]{Delta: delta}
	}

	delta.Messages = []model.Message{{
		Role:      model.RoleAssistant,
		ID:        stream.NewMessageID(),
		ToolCalls: probe,
	}}
	delta.CandidateToolCalls = true

	for _, call := range probe {
		if tools.RequiresApproval(call.Name) {
			a.push(state.ThreadID, stream.Event{
				Name: stream.EventApprovalRequired,
				Data: map[string]any{
					"thread_id":  state.ThreadID,
					"tool_calls": probe,
				},
			})
			return graph.NodeResult[TurnState]{Delta: delta, Route: graph.Stop[TurnState]()}
		}
	}

	return graph.NodeResult[TurnState]{Delta: delta}
}

// probeToolCalls asks the model once which tools it would call for this
// turn. Calls that arrive without ids are backfilled so results can be
// correlated later.
func (a *Agent) probeToolCalls(ctx context.Context, state TurnState) ([]model.ToolCall, error) {
	if a.deps.Tools == nil {
		return nil, nil
	}
	available := a.deps.Tools.List()
	if len(available) == 0 {
		return nil, nil
	}

	specs := make([]model.ToolSpec, 0, len(available))
	for _, t := range available {
		specs = append(specs, model.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}

	messages := append([]model.Message{
		{Role: model.RoleSystem, Content: a.baseSystemPrompt()},
	}, state.Messages...)
	out, err := a.deps.Chat.Chat(ctx, messages, specs)
	if err != nil {
		return nil, err
	}

	calls := out.ToolCalls
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = stream.NewToolCallID()
		}
	}
	return calls, nil
}

// collectBaseRoute picks the branch after initialization: confirmed tool
// candidates go to the planner, everything else to the simple responder.
func (a *Agent) collectBaseRoute(state TurnState) graph.Next[TurnState] {
	if state.Intent == IntentTool && state.CandidateToolCalls {
		return graph.Goto[TurnState](NodePlanner)
	}
	return graph.Goto[TurnState](NodeSimpleResponse)
}

// simpleResponse finalizes the turn when no retrieval ran. If collect_base
// already streamed the answer it only records the final text; otherwise it
// streams here over the bare conversation.
func (a *Agent) simpleResponse(ctx context.Context, state TurnState) graph.NodeResult[TurnState] {
	if state.AlreadyStreamed {
		for i := len(state.Messages) - 1; i >= 0; i-- {
			if state.Messages[i].Role == model.RoleAssistant && state.Messages[i].Content != "" {
				return graph.NodeResult[TurnState]{Delta: TurnState{FinalAnswer: state.Messages[i].Content}}
			}
		}
		return graph.NodeResult[TurnState]{}
	}

	text, err := a.streamConversation(ctx, state, "")
	if err != nil {
		return graph.NodeResult[TurnState]{Err: err}
	}
	return graph.NodeResult[TurnState]{Delta: TurnState{
		FinalAnswer: text,
		Messages: []model.Message{{
			Role:    model.RoleAssistant,
			Content: text,
			ID:      stream.NewMessageID(),
		}},
	}}
}

// streamConversation streams one assistant answer over the conversation,
// optionally prefixed with a system prompt, and returns the full text.
func (a *Agent) streamConversation(ctx context.Context, state TurnState, systemPrompt string) (string, error) {
	messages := state.Messages
	if systemPrompt != "" {
		messages = append([]model.Message{{Role: model.RoleSystem, Content: systemPrompt}}, messages...)
	}

	onToken, accumulated := a.streamTokens(state.ThreadID)
	out, err := a.deps.Chat.ChatStream(ctx, messages, nil, onToken)
	if err != nil {
		return "", fmt.Errorf("stream answer: %w", err)
	}
	if out.Text != "" {
		return out.Text, nil
	}
	return *accumulated, nil
}

// baseSystemPrompt anchors the assistant in the current time so relative
// dates in the conversation resolve consistently.
func (a *Agent) baseSystemPrompt() string {
	return fmt.Sprintf(
		"You are a helpful assistant. Current time: %s. Treat this as the baseline when the user mentions relative dates.",
		a.deps.Now().UTC().Format("2006-01-02 15:04:05 MST"),
	)
}

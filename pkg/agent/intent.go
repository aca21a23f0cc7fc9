package agent

import (
	"context"
	"strings"

	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/graph/model"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
)

// Signals that force the tool intent without consulting the model.
var toolSignals = []string{"has_datetime", "has_location", "has_from_to"}

const detectIntentPrompt = `You classify one user message for an assistant that can query databases, search documents, and look up a knowledge graph.

Answer with exactly one word:
- "tool" if answering well would need any of those lookups
- "regular" for greetings, small talk, and questions answerable from the conversation alone`

// intentSlot runs the external slot extractor and enriches state with the
// slot bundle. Extractor failures degrade to an empty bundle; the turn
// continues without slots.
func (a *Agent) intentSlot(ctx context.Context, state TurnState) graph.NodeResult[TurnState] {
	if a.deps.Slots == nil {
		return graph.NodeResult[TurnState]{}
	}

	utterance := lastUserContent(state.Messages)
	bundle, err := a.deps.Slots.Extract(ctx, utterance)
	if err != nil {
		a.deps.Logger.Warn("slot extraction failed", "thread_id", state.ThreadID, "error", err)
		return graph.NodeResult[TurnState]{}
	}

	return graph.NodeResult[TurnState]{Delta: TurnState{
		IntentSlots:    bundle.Slots,
		IntentAnalysis: bundle.Analysis,
		IntentComposed: bundle.Composed,
	}}
}

// detectIntent decides regular vs tool. Extractor signals that imply a
// concrete lookup force the tool intent; otherwise the model answers a
// binary classification. Classification failures default to regular.
func (a *Agent) detectIntent(ctx context.Context, state TurnState) graph.NodeResult[TurnState] {
	for _, signal := range toolSignals {
		if state.IntentAnalysis.HasSignal(signal) {
			a.push(state.ThreadID, stream.Event{
				Name: stream.EventPhase,
				Data: map[string]any{"phase": "intent", "intent": IntentTool, "rule": signal},
			})
			return graph.NodeResult[TurnState]{Delta: TurnState{Intent: IntentTool}}
		}
	}

	messages := []model.Message{
		{Role: model.RoleSystem, Content: detectIntentPrompt},
		{Role: model.RoleUser, Content: lastUserContent(state.Messages)},
	}
	out, err := a.deps.Chat.Chat(ctx, messages, nil)
	if err != nil {
		a.deps.Logger.Warn("intent classification failed", "thread_id", state.ThreadID, "error", err)
		return graph.NodeResult[TurnState]{Delta: TurnState{Intent: IntentRegular}}
	}

	intent := classifyIntentReply(out.Text)
	a.push(state.ThreadID, stream.Event{
		Name: stream.EventPhase,
		Data: map[string]any{"phase": "intent", "intent": intent},
	})
	return graph.NodeResult[TurnState]{Delta: TurnState{Intent: intent}}
}

// classifyIntentReply maps the model's classification reply to an intent.
// The prompt asks for a single word, so the first token decides; a verbose
// reply falls back to substring matching, where a mention of "regular" wins
// over an incidental "tool" ("no tool lookup is needed, this is regular
// chat" is regular).
func classifyIntentReply(reply string) string {
	lower := strings.ToLower(strings.TrimSpace(reply))
	switch firstWord(lower) {
	case IntentTool:
		return IntentTool
	case IntentRegular:
		return IntentRegular
	}
	if strings.Contains(lower, IntentTool) && !strings.Contains(lower, IntentRegular) {
		return IntentTool
	}
	return IntentRegular
}

func firstWord(s string) string {
	s = strings.TrimLeft(s, "\"'")
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(s, "\"'.,!:;")
}

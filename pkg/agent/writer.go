package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaomayi-ant/smart-agent/graph"
	"github.com/xiaomayi-ant/smart-agent/graph/model"
	"github.com/xiaomayi-ant/smart-agent/pkg/stream"
)

// displayLimit caps how many merged records a vector-heavy prompt
// enumerates. SQL-only merges include every row, the planner already
// applied its limit there.
const displayLimit = 20

// responseWriter composes the grounded answer from merged evidence and
// streams it to the thread's sink.
func (a *Agent) responseWriter(ctx context.Context, state TurnState) graph.NodeResult[TurnState] {
	a.push(state.ThreadID, stream.Event{
		Name: stream.EventWriterStart,
		Data: map[string]any{"merged": len(state.Merged.Items)},
	})

	prompt := writerPrompt(state.Merged.Items, a.baseSystemPrompt())
	onToken, accumulated := a.streamTokens(state.ThreadID)
	out, err := a.deps.Chat.ChatStream(ctx, append([]model.Message{
		{Role: model.RoleSystem, Content: prompt},
	}, state.Messages...), nil, onToken)
	if err != nil {
		return graph.NodeResult[TurnState]{Err: fmt.Errorf("write response: %w", err)}
	}

	text := out.Text
	if text == "" {
		text = *accumulated
	}

	a.push(state.ThreadID, stream.Event{
		Name: stream.EventWriterDone,
		Data: map[string]any{"length": len(text)},
	})
	return graph.NodeResult[TurnState]{Delta: TurnState{
		FinalAnswer: text,
		Messages: []model.Message{{
			Role:    model.RoleAssistant,
			Content: text,
			ID:      stream.NewMessageID(),
		}},
	}}
}

// writerPrompt builds the evidence-grounded system prompt. Evidence is
// enumerated as [i] lines under a header matching its category; the model
// is told to answer directly and never to claim the evidence is missing.
func writerPrompt(merged []Evidence, base string) string {
	var sqlItems, otherItems []Evidence
	for _, item := range merged {
		if item.Source == SourceSQL {
			sqlItems = append(sqlItems, item)
		} else {
			otherItems = append(otherItems, item)
		}
	}

	if len(otherItems) > displayLimit {
		otherItems = otherItems[:displayLimit]
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\n")

	index := 1
	if len(sqlItems) > 0 {
		sb.WriteString("Database results for this question:\n")
		for _, item := range sqlItems {
			fmt.Fprintf(&sb, "[%d] %s\n", index, item.Text)
			index++
		}
		sb.WriteString("Answer directly from these rows. You DO have database access; never say you cannot access the database.\n\n")
	}
	if len(otherItems) > 0 {
		sb.WriteString("Reference passages and facts:\n")
		for _, item := range otherItems {
			fmt.Fprintf(&sb, "[%d] %s\n", index, item.Text)
			index++
		}
		sb.WriteString("Cite the passages you use as [i] or [i][j] in your answer.\n\n")
	}

	if index > 1 {
		sb.WriteString("Evidence IS provided above; never reply that the evidence is insufficient or missing. Answer the user's question directly and concretely.")
	} else {
		sb.WriteString("No evidence was retrieved for this question. Answer from the conversation and say plainly what you could not look up.")
	}
	return sb.String()
}

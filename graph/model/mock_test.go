package model

import (
	"context"
	"testing"
)

func TestMockChatScript(t *testing.T) {
	m := &MockChatModel{
		Responses: []ChatOut{
			{Text: "first"},
			{ToolCalls: []ToolCall{{ID: "call_1", Name: "execute_sql"}}},
		},
		Fallback: &ChatOut{Text: "fallback"},
	}
	ctx := context.Background()

	out, err := m.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err != nil || out.Text != "first" {
		t.Fatalf("first call = %v, %v", out, err)
	}

	out, err = m.Chat(ctx, nil, nil)
	if err != nil || len(out.ToolCalls) != 1 {
		t.Fatalf("second call = %v, %v", out, err)
	}

	out, err = m.Chat(ctx, nil, nil)
	if err != nil || out.Text != "fallback" {
		t.Fatalf("exhausted call = %v, %v", out, err)
	}

	if len(m.Calls) != 3 {
		t.Errorf("calls recorded = %d, want 3", len(m.Calls))
	}
}

func TestMockChatStreamTokens(t *testing.T) {
	m := &MockChatModel{Responses: []ChatOut{{Text: "abc"}}}

	var tokens []string
	out, err := m.ChatStream(context.Background(), nil, nil, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil || out.Text != "abc" {
		t.Fatalf("stream = %v, %v", out, err)
	}
	if len(tokens) != 3 || tokens[0] != "a" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestMockStructuredScript(t *testing.T) {
	m := &MockChatModel{Structured: [][]byte{[]byte(`{"plan":[]}`)}}

	payload, err := m.ChatStructured(context.Background(), nil, StructuredSpec{Name: "plan"})
	if err != nil || string(payload) != `{"plan":[]}` {
		t.Fatalf("structured = %s, %v", payload, err)
	}

	if _, err := m.ChatStructured(context.Background(), nil, StructuredSpec{}); err == nil {
		t.Error("exhausted structured script should error")
	}
}

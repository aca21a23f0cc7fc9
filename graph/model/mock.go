package model

import (
	"context"
	"errors"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests.
//
// Responses are consumed in order; when the script is exhausted the mock
// returns its Fallback (or an error if none is set). The zero value is
// usable. Safe for concurrent use.
type MockChatModel struct {
	mu sync.Mutex

	// Responses are returned in order, one per call.
	Responses []ChatOut

	// Structured are returned in order by ChatStructured.
	Structured [][]byte

	// Fallback is returned after Responses is exhausted.
	Fallback *ChatOut

	// Err, when set, is returned by every call.
	Err error

	// Calls records the messages of each invocation for assertions.
	Calls [][]Message

	responseIdx   int
	structuredIdx int
}

var errScriptExhausted = errors.New("mock model: script exhausted")

// Chat returns the next scripted response.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, messages)
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if m.responseIdx < len(m.Responses) {
		out := m.Responses[m.responseIdx]
		m.responseIdx++
		return out, nil
	}
	if m.Fallback != nil {
		return *m.Fallback, nil
	}
	return ChatOut{}, errScriptExhausted
}

// ChatStream replays the next scripted response through onToken one rune
// cluster at a time, then returns it.
func (m *MockChatModel) ChatStream(ctx context.Context, messages []Message, tools []ToolSpec, onToken TokenFunc) (ChatOut, error) {
	out, err := m.Chat(ctx, messages, tools)
	if err != nil {
		return ChatOut{}, err
	}
	if onToken != nil {
		for _, r := range out.Text {
			if err := onToken(string(r)); err != nil {
				return ChatOut{}, err
			}
		}
	}
	return out, nil
}

// ChatStructured returns the next scripted structured payload.
func (m *MockChatModel) ChatStructured(ctx context.Context, messages []Message, spec StructuredSpec) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, messages)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.structuredIdx < len(m.Structured) {
		out := m.Structured[m.structuredIdx]
		m.structuredIdx++
		return out, nil
	}
	return nil, errScriptExhausted
}

package threads

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// MemoryStore is a development-only thread store. It mirrors Store's owner
// semantics without a database; nothing survives a restart.
type MemoryStore struct {
	mu       sync.Mutex
	threads  map[string]Thread
	messages map[string][]Message
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]Thread),
		messages: make(map[string][]Message),
	}
}

// EnsureThread creates the thread if absent.
func (m *MemoryStore) EnsureThread(_ context.Context, threadID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; ok {
		return nil
	}
	now := time.Now().UTC()
	m.threads[threadID] = Thread{ID: threadID, UserID: userID, CreatedAt: now, UpdatedAt: now}
	return nil
}

// GetThreadOwner returns the thread's user_id, or "" when absent.
func (m *MemoryStore) GetThreadOwner(_ context.Context, threadID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[threadID].UserID, nil
}

// InsertMessage appends a message and bumps updated_at.
func (m *MemoryStore) InsertMessage(_ context.Context, threadID, userID, role string, content json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || t.UserID != userID {
		return pgx.ErrNoRows
	}
	m.nextID++
	m.messages[threadID] = append(m.messages[threadID], Message{
		ID:        m.nextID,
		ThreadID:  threadID,
		UserID:    userID,
		Role:      role,
		Content:   append(json.RawMessage(nil), content...),
		CreatedAt: time.Now().UTC(),
	})
	t.UpdatedAt = time.Now().UTC()
	m.threads[threadID] = t
	return nil
}

// LoadMessages returns the messages in insertion order, nil for absent or
// foreign threads.
func (m *MemoryStore) LoadMessages(_ context.Context, threadID, userID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || userID == "" || t.UserID != userID {
		return nil, nil
	}
	out := make([]Message, len(m.messages[threadID]))
	copy(out, m.messages[threadID])
	return out, nil
}

// DeleteThread removes the thread and its messages, owner-scoped.
func (m *MemoryStore) DeleteThread(_ context.Context, threadID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || t.UserID != userID {
		return pgx.ErrNoRows
	}
	delete(m.threads, threadID)
	delete(m.messages, threadID)
	return nil
}

// TouchThread bumps updated_at, owner-scoped.
func (m *MemoryStore) TouchThread(_ context.Context, threadID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok || t.UserID != userID {
		return nil
	}
	t.UpdatedAt = time.Now().UTC()
	m.threads[threadID] = t
	return nil
}

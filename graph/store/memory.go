package store

import (
	"context"
	"sync"

	"github.com/xiaomayi-ant/smart-agent/graph"
)

// MemorySaver is an in-process checkpoint saver for tests and throwaway
// runs. Checkpoints round-trip through the Serde adapter on the way in, so
// tests against MemorySaver observe the same serialization behavior as the
// database-backed savers.
type MemorySaver[S any] struct {
	mu     sync.Mutex
	locks  *threadLocks
	serde  Serde
	chains map[string][]storedCheckpoint
	writes map[string][]graph.PendingWrite
}

// storedCheckpoint keeps the serialized form, exactly like a database row.
type storedCheckpoint struct {
	id     string
	userID string
	data   []byte
}

// NewMemorySaver creates an empty MemorySaver.
func NewMemorySaver[S any]() *MemorySaver[S] {
	return &MemorySaver[S]{
		locks:  newThreadLocks(),
		chains: make(map[string][]storedCheckpoint),
		writes: make(map[string][]graph.PendingWrite),
	}
}

// Setup is a no-op for the in-memory saver.
func (m *MemorySaver[S]) Setup(ctx context.Context) error { return nil }

// Put appends one checkpoint to the thread's chain.
func (m *MemorySaver[S]) Put(ctx context.Context, cfg graph.Config, cp graph.Checkpoint[S]) error {
	lock := m.locks.get(cfg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	data, err := m.serde.Marshal(cp)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[cfg.ThreadID] = append(m.chains[cfg.ThreadID], storedCheckpoint{
		id:     cp.ID,
		userID: cp.UserID,
		data:   data,
	})
	return nil
}

// PutWrites records pending node deltas against a checkpoint.
func (m *MemorySaver[S]) PutWrites(ctx context.Context, cfg graph.Config, checkpointID string, writes []graph.PendingWrite) error {
	lock := m.locks.get(cfg.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes[cfg.ThreadID+"/"+checkpointID] = append(m.writes[cfg.ThreadID+"/"+checkpointID], writes...)
	return nil
}

// GetTuple returns the latest checkpoint for the thread, filtered by owner.
func (m *MemorySaver[S]) GetTuple(ctx context.Context, cfg graph.Config) (*graph.Checkpoint[S], error) {
	m.mu.Lock()
	chain := m.chains[cfg.ThreadID]
	m.mu.Unlock()

	for i := len(chain) - 1; i >= 0; i-- {
		if cfg.UserID != "" && chain[i].userID != cfg.UserID {
			continue
		}
		var cp graph.Checkpoint[S]
		if err := m.serde.Unmarshal(chain[i].data, &cp); err != nil {
			return nil, err
		}
		return &cp, nil
	}
	return nil, graph.ErrNotFound
}

// List returns up to limit checkpoints, newest first.
func (m *MemorySaver[S]) List(ctx context.Context, cfg graph.Config, limit int) ([]graph.Checkpoint[S], error) {
	m.mu.Lock()
	chain := m.chains[cfg.ThreadID]
	m.mu.Unlock()

	var out []graph.Checkpoint[S]
	for i := len(chain) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if cfg.UserID != "" && chain[i].userID != cfg.UserID {
			continue
		}
		var cp graph.Checkpoint[S]
		if err := m.serde.Unmarshal(chain[i].data, &cp); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Close is a no-op for the in-memory saver.
func (m *MemorySaver[S]) Close() error { return nil }

// Package store provides checkpoint savers for the graph engine.
//
// Three implementations of graph.Saver are available:
//
//   - PostgresSaver: production saver on a single resilient pgx connection
//     with proactive recycling and retry-on-reconnect semantics.
//   - SQLiteSaver: single-file saver for development with zero setup.
//   - MemorySaver: in-process saver for tests.
//
// All savers serialize state through the Serde adapter, which tags values
// that plain JSON cannot round-trip (timestamps, UUIDs, message lists,
// pending sends) so checkpoints written here stay readable by other
// runtimes sharing the same schema.
package store

import "sync"

// threadLocks hands out one mutex per thread ID so mutating checkpoint
// operations serialize per conversation while distinct threads proceed in
// parallel. Locks are never evicted; the map grows with the number of
// distinct threads seen by the process.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for threadID, creating it on first use.
func (t *threadLocks) get(threadID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[threadID] = lock
	}
	return lock
}

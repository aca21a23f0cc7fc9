package stream

import "sync"

// Sink receives events for one thread's active stream. Sinks live in the
// registry, never in graph state: they are not serializable and must not
// reach the checkpointer.
type Sink func(Event)

// Registry is the process-wide map from thread id to event sink. The HTTP
// handler registers a sink before starting a run; nodes look the sink up by
// thread id and push through it. Pushes for threads with no registered sink
// are silently dropped (client already gone).
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

// Register installs the sink for threadID, replacing any previous one.
func (r *Registry) Register(threadID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[threadID] = sink
}

// Unregister removes the thread's sink.
func (r *Registry) Unregister(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, threadID)
}

// Push delivers the event to the thread's sink, if one is registered.
func (r *Registry) Push(threadID string, ev Event) {
	r.mu.RLock()
	sink := r.sinks[threadID]
	r.mu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

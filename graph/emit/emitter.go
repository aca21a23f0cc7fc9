package emit

// Emitter receives observability events from graph execution.
//
// Implementations must be safe for concurrent use: nodes in one superstep
// run in parallel and may all emit. Emit must not block workflow execution
// and must not panic; backend failures are logged internally and swallowed.
type Emitter interface {
	Emit(event Event)
}

// Multi fans events out to several emitters in order.
type Multi []Emitter

// Emit delivers the event to every wrapped emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

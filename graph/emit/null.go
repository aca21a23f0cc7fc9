package emit

// NullEmitter discards all events. It is the default when an engine is
// constructed without an emitter.
type NullEmitter struct{}

// Emit discards the event.
func (NullEmitter) Emit(Event) {}

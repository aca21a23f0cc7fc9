package graph

import "time"

// Options configures Engine execution behavior.
//
// Zero values are valid; the Engine uses sensible defaults.
type Options struct {
	// MaxSteps limits the number of supersteps to prevent infinite routing
	// loops. If 0, DefaultMaxSteps is used.
	MaxSteps int

	// DefaultNodeTimeout is the engine-wide hard deadline applied to every
	// node execution. Individual nodes may override it via NodeTimeouts.
	// If 0, nodes run without a deadline.
	DefaultNodeTimeout time.Duration

	// NodeTimeouts overrides DefaultNodeTimeout per node name. Retrieval
	// workers typically get a hard 30s deadline here.
	NodeTimeouts map[string]time.Duration

	// CheckpointRetries is the number of additional attempts for a failed
	// checkpoint write before the run aborts. The store layer performs its
	// own reconnect-and-retry underneath; this guards against persistent
	// failures. Defaults to 1.
	CheckpointRetries int

	// Metrics, when non-nil, receives execution observations.
	Metrics *Metrics
}

// DefaultMaxSteps bounds runs that never set Options.MaxSteps.
const DefaultMaxSteps = 100

func (o Options) maxSteps() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return DefaultMaxSteps
}

func (o Options) checkpointRetries() int {
	if o.CheckpointRetries > 0 {
		return o.CheckpointRetries
	}
	return 1
}

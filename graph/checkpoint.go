package graph

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by savers when a requested checkpoint does not
// exist for the given thread.
var ErrNotFound = errors.New("checkpoint not found")

// ErrNothingToResume is returned by Engine.Resume when the thread's latest
// checkpoint has no pending sends: the run finished and there is no
// interrupted work to pick up.
var ErrNothingToResume = errors.New("latest checkpoint has no pending work")

// Checkpoint handles durable execution snapshots.

// CheckpointSource identifies how a checkpoint was produced.
const (
	// SourceInput marks the checkpoint written for the initial state of a run.
	SourceInput = "input"

	// SourceLoop marks checkpoints written at superstep boundaries.
	SourceLoop = "loop"
)

// Checkpoint is a durable snapshot of execution state after one superstep,
// enabling a dropped connection or restarted process to resume a run.
//
// A checkpoint carries everything needed to continue:
//   - the accumulated state after the superstep's reducer pass
//   - the pending Sends that seed the next superstep (so fan-outs survive
//     restarts)
//   - per-node channel versions, recording the step at which each node last
//     committed a delta
//
// Checkpoints are keyed by (ThreadID, ID); ParentID links them into a chain.
type Checkpoint[S any] struct {
	// ThreadID is the conversation this checkpoint belongs to.
	ThreadID string `json:"thread_id"`

	// ID uniquely identifies this checkpoint within the thread.
	ID string `json:"checkpoint_id"`

	// ParentID is the previous checkpoint in the chain, empty for the first.
	ParentID string `json:"parent_id,omitempty"`

	// UserID is the authenticated owner of the thread. Reads filter by it.
	UserID string `json:"user_id,omitempty"`

	// Step is the superstep number at checkpoint time, monotonically
	// increasing within a run. Step 0 is the input checkpoint.
	Step int `json:"step"`

	// State is the accumulated state after applying all deltas up to Step.
	// Must survive the store's serialization adapter (JSON-safe after
	// tagging).
	State S `json:"state"`

	// PendingSends are the fan-out tasks scheduled for the next superstep.
	// Reconstructed on resume to re-seed an interrupted fan-out.
	PendingSends []Send[S] `json:"pending_sends,omitempty"`

	// ChannelVersions records, per node name, the step at which that node
	// last committed a delta. Used to detect stale reads on resume.
	ChannelVersions map[string]int `json:"channel_versions,omitempty"`

	// Metadata carries bookkeeping for the checkpoint.
	Metadata CheckpointMetadata `json:"metadata"`

	// CreatedAt records when this checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointMetadata is the strict bookkeeping block persisted with every
// checkpoint. The serialization adapter trims anything outside these fields
// before writing (see store: metadata trimming).
type CheckpointMetadata struct {
	// Source is SourceInput or SourceLoop.
	Source string `json:"source"`

	// Step mirrors Checkpoint.Step for query convenience.
	Step int `json:"step"`

	// Parents maps namespace to parent checkpoint id. Flat runs use the
	// empty namespace.
	Parents map[string]string `json:"parents,omitempty"`
}

// PendingWrite is a single node's committed delta awaiting incorporation into
// the next checkpoint. Stored so that a crash between a node committing and
// the superstep checkpoint does not lose the write.
type PendingWrite struct {
	// TaskID identifies the task (node execution) that produced the write.
	TaskID string `json:"task_id"`

	// Channel is the state field the write targets.
	Channel string `json:"channel"`

	// Value is the serialized value written to the channel.
	Value any `json:"value"`
}

// Saver persists checkpoints so that a dropped connection or restarted
// process can resume a run. Implementations live in graph/store: a resilient
// Postgres saver for production, SQLite for development, memory for tests.
//
// Mutating operations (Put, PutWrites) must serialize per thread: concurrent
// writes with the same Config.ThreadID are observed as a total order while
// writes across threads may overlap.
type Saver[S any] interface {
	// Setup creates the backing schema. Idempotent; runs at most once per
	// process.
	Setup(ctx context.Context) error

	// Put persists one checkpoint for the thread identified by cfg.
	Put(ctx context.Context, cfg Config, cp Checkpoint[S]) error

	// PutWrites records node deltas committed against checkpointID before
	// the next superstep checkpoint lands.
	PutWrites(ctx context.Context, cfg Config, checkpointID string, writes []PendingWrite) error

	// GetTuple returns the latest checkpoint for the thread, or ErrNotFound.
	GetTuple(ctx context.Context, cfg Config) (*Checkpoint[S], error)

	// List returns up to limit checkpoints for the thread, newest first.
	List(ctx context.Context, cfg Config, limit int) ([]Checkpoint[S], error)

	// Close releases the underlying connection.
	Close() error
}

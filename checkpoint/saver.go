package checkpoint

import (
	"context"
	"iter"
)

// Saver is the contract a graph scheduler uses to persist and resume runs.
//
// A scheduler calls GetTuple before executing a step (to resume from the latest
// or a historical checkpoint and replay its pending writes), PutWrites as tasks
// finish, and Put once the step's new state is ready.
type Saver interface {
	// Put durably stores cp as a child of cfg.CheckpointID and returns the
	// Config addressing the new checkpoint.
	Put(ctx context.Context, cfg Config, cp Checkpoint, md Metadata) (Config, error)

	// PutWrites stages writes produced by taskID against cfg.CheckpointID.
	// A Config without a checkpoint id is a no-op.
	PutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) error

	// GetTuple returns the addressed checkpoint, or the latest one of the
	// thread and namespace when cfg has no checkpoint id. It returns nil, nil
	// when nothing matches.
	GetTuple(ctx context.Context, cfg Config) (*Tuple, error)

	// List yields checkpoints of cfg's thread and namespace, newest first.
	// Ranging over the sequence again re-runs the query.
	List(ctx context.Context, cfg Config, opts ListOptions) iter.Seq2[*Tuple, error]

	// DeleteThread removes every checkpoint and pending write of threadID
	// across all namespaces.
	DeleteThread(ctx context.Context, threadID string) error
}

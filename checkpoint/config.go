package checkpoint

import "fmt"

// Config addresses a thread, a namespace inside it and optionally one checkpoint.
// It is the only handle callers hold on stored data.
type Config struct {
	ThreadID     string `json:"thread_id" yaml:"thread_id"`
	Namespace    string `json:"checkpoint_ns" yaml:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id,omitempty" yaml:"checkpoint_id,omitempty"`
}

// WithThreadID returns a Config addressing the latest checkpoint of the root namespace.
//
// Example:
//
//	tuple, err := saver.GetTuple(ctx, checkpoint.WithThreadID("conversation-1"))
func WithThreadID(threadID string) Config {
	return Config{ThreadID: threadID}
}

// WithNamespace returns a copy of c scoped to namespace ns.
func (c Config) WithNamespace(ns string) Config {
	c.Namespace = ns
	return c
}

// WithCheckpointID returns a copy of c pinned to checkpointID.
func (c Config) WithCheckpointID(checkpointID string) Config {
	c.CheckpointID = checkpointID
	return c
}

// Latest returns a copy of c without a checkpoint id.
func (c Config) Latest() Config {
	c.CheckpointID = ""
	return c
}

// Validate reports whether c names a thread.
func (c Config) Validate() error {
	if c.ThreadID == "" {
		return fmt.Errorf("%w: thread_id is required", ErrInvalidConfig)
	}
	return nil
}

func (c Config) String() string {
	if c.CheckpointID == "" {
		return fmt.Sprintf("thread=%s ns=%q", c.ThreadID, c.Namespace)
	}
	return fmt.Sprintf("thread=%s ns=%q checkpoint=%s", c.ThreadID, c.Namespace, c.CheckpointID)
}

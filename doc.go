// CheckpointGo - Durable Checkpoints for Stateful Go Workflows
//
// CheckpointGo persists the state of long-running, step-based executions so
// they can be resumed after a crash, inspected, replayed from any point in
// history, or branched. A checkpoint is an immutable snapshot of every channel
// value after one step; pending writes are the outputs tasks produced toward
// the next step before it completed.
//
// # Quick Start
//
// Install the package:
//
//	go get github.com/smallnest/checkpointgo
//
// Basic example:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//
//		"github.com/smallnest/checkpointgo/checkpoint"
//		"github.com/smallnest/checkpointgo/store/memory"
//	)
//
//	func main() {
//		ctx := context.Background()
//		saver := memory.NewMemorySaver()
//
//		cp := checkpoint.NewCheckpoint()
//		cp.ChannelValues["count"] = 1
//		cfg, _ := saver.Put(ctx, checkpoint.WithThreadID("run-1"), cp,
//			checkpoint.Metadata{Source: checkpoint.SourceInput, Step: -1})
//
//		tuple, _ := saver.GetTuple(ctx, checkpoint.WithThreadID("run-1"))
//		fmt.Println(tuple.Checkpoint.ID == cfg.CheckpointID) // true
//	}
//
// # Packages
//
//   - checkpoint: the Saver contract, the Store engine over a Backend, the
//     AsyncStore and the Checkpoint, Metadata and Tuple types
//   - serde: typed serializers and the type registry
//   - store/memory, store/file, store/sqlite, store/postgres, store/redis,
//     store/mongo: storage backends
//   - store/storetest: the conformance suite every backend passes
//   - instrument: Prometheus metrics and OpenTelemetry tracing for any Saver
//   - config: YAML and environment configuration
//   - log: the logging interface and its golog adapter
//
// # Opening From Configuration
//
// Open builds a Store from a config.Config, so the backend can be chosen at
// deploy time:
//
//	cfg, err := config.Load("checkpoint.yaml")
//	if err != nil {
//		return err
//	}
//	store, err := checkpointgo.Open(ctx, cfg)
//
// OpenSaver adds the instrument decorator when metrics or tracing are enabled,
// and OpenAsync puts the result behind a worker pool.
//
// # Reading History
//
// List walks a thread newest first and is safe to stop early:
//
//	for tuple, err := range store.List(ctx, checkpoint.WithThreadID("run-1"), checkpoint.ListOptions{
//		Filter: map[string]any{"source": "loop"},
//		Limit:  10,
//	}) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(tuple.Checkpoint.ID, tuple.Metadata.Step)
//	}
//
// # Error Handling
//
// Failures are classified: errors.Is(err, checkpoint.ErrStorage) for backend
// failures, checkpoint.ErrSerialization for encoding problems and
// checkpoint.ErrInvalidConfig for caller mistakes such as a missing thread id.
package checkpointgo // import "github.com/smallnest/checkpointgo"

package checkpoint

import (
	"cmp"
	"context"
	"slices"
	"time"
)

// CheckpointRecord is the stored document for one checkpoint.
// Payloads are already serialized; backends treat them as opaque bytes.
type CheckpointRecord struct {
	ThreadID           string
	Namespace          string
	CheckpointID       string
	ParentCheckpointID string

	Type       string
	Checkpoint []byte

	MetadataType string
	Metadata     []byte

	// MetadataJSON is the flattened metadata as plain JSON. Backends filter
	// on it so that listing never has to decode a payload.
	MetadataJSON []byte

	CreatedAt time.Time
}

// WriteRecord is the stored document for one pending write.
type WriteRecord struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
	TaskID       string
	Idx          int
	Channel      string
	Type         string
	Value        []byte
	CreatedAt    time.Time
}

// ListQuery selects checkpoint records for a history listing.
type ListQuery struct {
	ThreadID  string
	Namespace string

	// Before, when set, excludes ids greater than or equal to it.
	Before string

	// Filter is matched against MetadataJSON, see MatchMetadata.
	Filter map[string]any

	// Limit caps the number of records. Zero means no limit.
	Limit int
}

// Backend is the storage engine behind a Store.
//
// Implementations must order checkpoint ids byte-wise, upsert by full identity,
// and apply PutWrites batches and DeleteThread all-or-nothing.
type Backend interface {
	// PutCheckpoint upserts rec keyed by (thread, namespace, checkpoint id).
	PutCheckpoint(ctx context.Context, rec CheckpointRecord) error

	// PutWrites upserts every record keyed by
	// (thread, namespace, checkpoint id, task id, idx) in one atomic batch.
	PutWrites(ctx context.Context, recs []WriteRecord) error

	// GetCheckpoint returns the addressed record, or the one with the greatest
	// id when cfg.CheckpointID is empty. It returns nil, nil when missing.
	GetCheckpoint(ctx context.Context, cfg Config) (*CheckpointRecord, error)

	// ListCheckpoints returns matching records in descending id order.
	ListCheckpoints(ctx context.Context, q ListQuery) ([]CheckpointRecord, error)

	// ListWrites returns the pending writes of one checkpoint ordered by
	// (task id, idx).
	ListWrites(ctx context.Context, cfg Config) ([]WriteRecord, error)

	// DeleteThread removes all records of threadID in every namespace.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases the backend's resources.
	Close() error
}

// SortWrites orders pending writes by (task id, idx). Backends without native
// ordering call it before returning from ListWrites.
func SortWrites(recs []WriteRecord) {
	slices.SortFunc(recs, func(a, b WriteRecord) int {
		if c := cmp.Compare(a.TaskID, b.TaskID); c != 0 {
			return c
		}
		return cmp.Compare(a.Idx, b.Idx)
	})
}

// SortCheckpointsDesc orders records newest first.
func SortCheckpointsDesc(recs []CheckpointRecord) {
	slices.SortFunc(recs, func(a, b CheckpointRecord) int {
		return cmp.Compare(b.CheckpointID, a.CheckpointID)
	})
}

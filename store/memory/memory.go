// Package memory provides an in-process checkpoint backend.
// Data is lost when the process exits; it is meant for tests and short-lived runs.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/smallnest/checkpointgo/checkpoint"
)

type nsKey struct {
	threadID  string
	namespace string
}

type cpKey struct {
	nsKey
	checkpointID string
}

type slotKey struct {
	taskID string
	idx    int
}

// MemoryBackend implements checkpoint.Backend with maps guarded by one mutex.
type MemoryBackend struct {
	mu          sync.RWMutex
	checkpoints map[nsKey]map[string]checkpoint.CheckpointRecord
	writes      map[cpKey]map[slotKey]checkpoint.WriteRecord
	closed      bool
}

var _ checkpoint.Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		checkpoints: make(map[nsKey]map[string]checkpoint.CheckpointRecord),
		writes:      make(map[cpKey]map[slotKey]checkpoint.WriteRecord),
	}
}

// NewMemorySaver creates a checkpoint.Store over a fresh in-memory backend.
func NewMemorySaver(opts ...checkpoint.Option) *checkpoint.Store {
	return checkpoint.New(NewMemoryBackend(), opts...)
}

// PutCheckpoint implements checkpoint.Backend.
func (m *MemoryBackend) PutCheckpoint(ctx context.Context, rec checkpoint.CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return checkpoint.ErrClosed
	}

	key := nsKey{rec.ThreadID, rec.Namespace}
	if m.checkpoints[key] == nil {
		m.checkpoints[key] = make(map[string]checkpoint.CheckpointRecord)
	}
	m.checkpoints[key][rec.CheckpointID] = cloneCheckpoint(rec)
	return nil
}

// PutWrites implements checkpoint.Backend.
func (m *MemoryBackend) PutWrites(ctx context.Context, recs []checkpoint.WriteRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return checkpoint.ErrClosed
	}

	for _, rec := range recs {
		key := cpKey{nsKey{rec.ThreadID, rec.Namespace}, rec.CheckpointID}
		if m.writes[key] == nil {
			m.writes[key] = make(map[slotKey]checkpoint.WriteRecord)
		}
		rec.Value = slices.Clone(rec.Value)
		m.writes[key][slotKey{rec.TaskID, rec.Idx}] = rec
	}
	return nil
}

// GetCheckpoint implements checkpoint.Backend.
func (m *MemoryBackend) GetCheckpoint(ctx context.Context, cfg checkpoint.Config) (*checkpoint.CheckpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, checkpoint.ErrClosed
	}

	records := m.checkpoints[nsKey{cfg.ThreadID, cfg.Namespace}]
	if len(records) == 0 {
		return nil, nil
	}

	if cfg.CheckpointID != "" {
		rec, ok := records[cfg.CheckpointID]
		if !ok {
			return nil, nil
		}
		out := cloneCheckpoint(rec)
		return &out, nil
	}

	var latest string
	for id := range records {
		if id > latest {
			latest = id
		}
	}
	out := cloneCheckpoint(records[latest])
	return &out, nil
}

// ListCheckpoints implements checkpoint.Backend.
func (m *MemoryBackend) ListCheckpoints(ctx context.Context, q checkpoint.ListQuery) ([]checkpoint.CheckpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, checkpoint.ErrClosed
	}

	records := m.checkpoints[nsKey{q.ThreadID, q.Namespace}]
	candidates := make([]checkpoint.CheckpointRecord, 0, len(records))
	for id, rec := range records {
		if q.Before != "" && id >= q.Before {
			continue
		}
		candidates = append(candidates, rec)
	}
	checkpoint.SortCheckpointsDesc(candidates)

	var out []checkpoint.CheckpointRecord
	for _, rec := range candidates {
		ok, err := checkpoint.MatchMetadata(rec.MetadataJSON, q.Filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, cloneCheckpoint(rec))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// ListWrites implements checkpoint.Backend.
func (m *MemoryBackend) ListWrites(ctx context.Context, cfg checkpoint.Config) ([]checkpoint.WriteRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, checkpoint.ErrClosed
	}

	slots := m.writes[cpKey{nsKey{cfg.ThreadID, cfg.Namespace}, cfg.CheckpointID}]
	out := make([]checkpoint.WriteRecord, 0, len(slots))
	for _, rec := range slots {
		rec.Value = slices.Clone(rec.Value)
		out = append(out, rec)
	}
	checkpoint.SortWrites(out)
	return out, nil
}

// DeleteThread implements checkpoint.Backend.
func (m *MemoryBackend) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return checkpoint.ErrClosed
	}

	for key := range m.checkpoints {
		if key.threadID == threadID {
			delete(m.checkpoints, key)
		}
	}
	for key := range m.writes {
		if key.threadID == threadID {
			delete(m.writes, key)
		}
	}
	return nil
}

// Close implements checkpoint.Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.checkpoints = nil
	m.writes = nil
	return nil
}

// Len returns the number of stored checkpoints across all threads.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, records := range m.checkpoints {
		count += len(records)
	}
	return count
}

// WritesLen returns the number of stored pending writes across all threads.
func (m *MemoryBackend) WritesLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, slots := range m.writes {
		count += len(slots)
	}
	return count
}

func cloneCheckpoint(rec checkpoint.CheckpointRecord) checkpoint.CheckpointRecord {
	rec.Checkpoint = slices.Clone(rec.Checkpoint)
	rec.Metadata = slices.Clone(rec.Metadata)
	rec.MetadataJSON = slices.Clone(rec.MetadataJSON)
	return rec
}

// Package storetest holds the behavioural contract every checkpoint.Backend
// must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) checkpoint.Backend

// Run executes the backend contract and the store scenarios against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("Backend", func(t *testing.T) {
		RunBackend(t, factory)
	})
	t.Run("Store", func(t *testing.T) {
		RunStore(t, factory)
	})
}

func open(t *testing.T, factory Factory) checkpoint.Backend {
	t.Helper()
	b := factory(t)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// Record builds a checkpoint record with a JSON payload and the given metadata fields.
func Record(threadID, ns, id, parent string, md map[string]any) checkpoint.CheckpointRecord {
	if md == nil {
		md = map[string]any{}
	}
	mdJSON, _ := json.Marshal(md)
	return checkpoint.CheckpointRecord{
		ThreadID:           threadID,
		Namespace:          ns,
		CheckpointID:       id,
		ParentCheckpointID: parent,
		Type:               "json",
		Checkpoint:         []byte(fmt.Sprintf(`{"id":%q}`, id)),
		MetadataType:       "json",
		Metadata:           mdJSON,
		MetadataJSON:       mdJSON,
		CreatedAt:          time.Now().UTC(),
	}
}

// WriteRecord builds a pending write record with a JSON string value.
func WriteRecord(threadID, ns, checkpointID, taskID string, idx int, channel, value string) checkpoint.WriteRecord {
	return checkpoint.WriteRecord{
		ThreadID:     threadID,
		Namespace:    ns,
		CheckpointID: checkpointID,
		TaskID:       taskID,
		Idx:          idx,
		Channel:      channel,
		Type:         "json",
		Value:        []byte(fmt.Sprintf("%q", value)),
		CreatedAt:    time.Now().UTC(),
	}
}

func ids(recs []checkpoint.CheckpointRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.CheckpointID
	}
	return out
}

type slot struct {
	Task    string
	Idx     int
	Channel string
	Value   string
}

func slots(recs []checkpoint.WriteRecord) []slot {
	out := make([]slot, len(recs))
	for i, r := range recs {
		out[i] = slot{r.TaskID, r.Idx, r.Channel, string(r.Value)}
	}
	return out
}

// RunBackend checks the record-level contract.
func RunBackend(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("PutAndGet", func(t *testing.T) {
		b := open(t, factory)

		rec := Record("t1", "", "0001", "", map[string]any{"source": "input", "step": -1})
		require.NoError(t, b.PutCheckpoint(ctx, rec))

		got, err := b.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "0001"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.ThreadID, got.ThreadID)
		assert.Equal(t, rec.Namespace, got.Namespace)
		assert.Equal(t, rec.CheckpointID, got.CheckpointID)
		assert.Empty(t, got.ParentCheckpointID)
		assert.Equal(t, rec.Type, got.Type)
		assert.Equal(t, rec.Checkpoint, got.Checkpoint)
		assert.Equal(t, rec.MetadataType, got.MetadataType)
		assert.Equal(t, rec.Metadata, got.Metadata)
		assert.JSONEq(t, string(rec.MetadataJSON), string(got.MetadataJSON))
		assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Second)
	})

	t.Run("GetMissing", func(t *testing.T) {
		b := open(t, factory)

		got, err := b.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "nobody"})
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", "0001", "", nil)))
		got, err = b.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "0002"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("GetLatest", func(t *testing.T) {
		b := open(t, factory)

		for _, id := range []string{"0001", "0003", "0002"} {
			require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", id, "", nil)))
		}

		got, err := b.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t1"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "0003", got.CheckpointID)
	})

	t.Run("Upsert", func(t *testing.T) {
		b := open(t, factory)

		first := Record("t1", "", "0001", "", map[string]any{"step": 1})
		require.NoError(t, b.PutCheckpoint(ctx, first))
		second := Record("t1", "", "0001", "", map[string]any{"step": 2})
		second.Checkpoint = []byte(`{"id":"0001","rev":2}`)
		require.NoError(t, b.PutCheckpoint(ctx, second))

		got, err := b.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "0001"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, second.Checkpoint, got.Checkpoint)

		recs, err := b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1"})
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("ListDescending", func(t *testing.T) {
		b := open(t, factory)

		for i, id := range []string{"0002", "0004", "0001", "0003"} {
			require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", id, "", map[string]any{"step": i})))
		}

		recs, err := b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"0004", "0003", "0002", "0001"}, ids(recs))
	})

	t.Run("ListBeforeAndLimit", func(t *testing.T) {
		b := open(t, factory)

		for _, id := range []string{"0001", "0002", "0003", "0004", "0005"} {
			require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", id, "", nil)))
		}

		recs, err := b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1", Before: "0004"})
		require.NoError(t, err)
		assert.Equal(t, []string{"0003", "0002", "0001"}, ids(recs))

		recs, err = b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"0005", "0004"}, ids(recs))

		recs, err = b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1", Before: "0001"})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("ListFilter", func(t *testing.T) {
		b := open(t, factory)

		require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", "0001", "", map[string]any{"source": "input", "step": -1})))
		require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", "0002", "", map[string]any{"source": "loop", "step": 0, "user": "alice"})))
		require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", "0003", "", map[string]any{"source": "loop", "step": 1, "user": "bob"})))
		require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", "0004", "", map[string]any{"source": "loop", "step": 2, "final": true})))

		recs, err := b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1", Filter: map[string]any{"source": "loop"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"0004", "0003", "0002"}, ids(recs))

		recs, err = b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1", Filter: map[string]any{"source": "loop", "step": 1}})
		require.NoError(t, err)
		assert.Equal(t, []string{"0003"}, ids(recs))

		recs, err = b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1", Filter: map[string]any{"final": true}})
		require.NoError(t, err)
		assert.Equal(t, []string{"0004"}, ids(recs))

		recs, err = b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1", Filter: map[string]any{"user": "carol"}})
		require.NoError(t, err)
		assert.Empty(t, recs)

		recs, err = b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1", Filter: map[string]any{"source": "loop"}, Limit: 1, Before: "0004"})
		require.NoError(t, err)
		assert.Equal(t, []string{"0003"}, ids(recs))
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		b := open(t, factory)

		require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", "0001", "", nil)))
		require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "sub", "0002", "", nil)))
		require.NoError(t, b.PutCheckpoint(ctx, Record("t2", "", "0003", "", nil)))

		got, err := b.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t1"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "0001", got.CheckpointID)

		got, err = b.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t1", Namespace: "sub"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "0002", got.CheckpointID)

		got, err = b.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "0002"})
		require.NoError(t, err)
		assert.Nil(t, got)

		recs, err := b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"0001"}, ids(recs))
	})

	t.Run("WritesOrderedAndUpserted", func(t *testing.T) {
		b := open(t, factory)

		require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", "0001", "", nil)))
		require.NoError(t, b.PutWrites(ctx, []checkpoint.WriteRecord{
			WriteRecord("t1", "", "0001", "task-b", 0, "out", "b0"),
			WriteRecord("t1", "", "0001", "task-b", 1, "out", "b1"),
		}))
		require.NoError(t, b.PutWrites(ctx, []checkpoint.WriteRecord{
			WriteRecord("t1", "", "0001", "task-a", 0, "x", "a0"),
		}))
		// Retrying a task replaces its slots.
		require.NoError(t, b.PutWrites(ctx, []checkpoint.WriteRecord{
			WriteRecord("t1", "", "0001", "task-b", 0, "out", "b0-retry"),
			WriteRecord("t1", "", "0001", "task-b", 1, "out", "b1-retry"),
		}))

		recs, err := b.ListWrites(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "0001"})
		require.NoError(t, err)
		assert.Equal(t, []slot{
			{"task-a", 0, "x", `"a0"`},
			{"task-b", 0, "out", `"b0-retry"`},
			{"task-b", 1, "out", `"b1-retry"`},
		}, slots(recs))

		recs, err = b.ListWrites(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "0002"})
		require.NoError(t, err)
		assert.Empty(t, recs)

		recs, err = b.ListWrites(ctx, checkpoint.Config{ThreadID: "t1", Namespace: "sub", CheckpointID: "0001"})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("WritesManyIndexes", func(t *testing.T) {
		b := open(t, factory)

		var batch []checkpoint.WriteRecord
		for i := range 12 {
			batch = append(batch, WriteRecord("t1", "", "0001", "task", i, "c", fmt.Sprint(i)))
		}
		require.NoError(t, b.PutWrites(ctx, batch))

		recs, err := b.ListWrites(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "0001"})
		require.NoError(t, err)
		require.Len(t, recs, 12)
		for i, r := range recs {
			assert.Equal(t, i, r.Idx)
		}
	})

	t.Run("DeleteThread", func(t *testing.T) {
		b := open(t, factory)

		require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", "0001", "", nil)))
		require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "sub", "0002", "", nil)))
		require.NoError(t, b.PutCheckpoint(ctx, Record("t2", "", "0003", "", nil)))
		require.NoError(t, b.PutWrites(ctx, []checkpoint.WriteRecord{
			WriteRecord("t1", "", "0001", "task", 0, "c", "v"),
			WriteRecord("t1", "sub", "0002", "task", 0, "c", "v"),
		}))
		require.NoError(t, b.PutWrites(ctx, []checkpoint.WriteRecord{
			WriteRecord("t2", "", "0003", "task", 0, "c", "v"),
		}))

		require.NoError(t, b.DeleteThread(ctx, "t1"))

		for _, ns := range []string{"", "sub"} {
			got, err := b.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t1", Namespace: ns})
			require.NoError(t, err)
			assert.Nil(t, got, "namespace %q", ns)

			recs, err := b.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1", Namespace: ns})
			require.NoError(t, err)
			assert.Empty(t, recs)
		}
		w, err := b.ListWrites(ctx, checkpoint.Config{ThreadID: "t1", CheckpointID: "0001"})
		require.NoError(t, err)
		assert.Empty(t, w)
		w, err = b.ListWrites(ctx, checkpoint.Config{ThreadID: "t1", Namespace: "sub", CheckpointID: "0002"})
		require.NoError(t, err)
		assert.Empty(t, w)

		got, err := b.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t2"})
		require.NoError(t, err)
		require.NotNil(t, got)
		w, err = b.ListWrites(ctx, checkpoint.Config{ThreadID: "t2", CheckpointID: "0003"})
		require.NoError(t, err)
		assert.Len(t, w, 1)

		// Deleting again, or deleting an unknown thread, is not an error.
		require.NoError(t, b.DeleteThread(ctx, "t1"))
		require.NoError(t, b.DeleteThread(ctx, "never-existed"))

		// The thread id is reusable afterwards.
		require.NoError(t, b.PutCheckpoint(ctx, Record("t1", "", "0009", "", nil)))
		got, err = b.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t1"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "0009", got.CheckpointID)
	})
}

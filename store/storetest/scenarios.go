package storetest

import (
	"context"
	"reflect"
	"testing"

	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/serde"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, factory Factory, opts ...checkpoint.Option) *checkpoint.Store {
	t.Helper()
	opts = append([]checkpoint.Option{checkpoint.WithLogger(&log.NoOpLogger{})}, opts...)
	return checkpoint.New(open(t, factory), opts...)
}

func state(step int, msgs ...string) checkpoint.Checkpoint {
	cp := checkpoint.NewCheckpoint()
	values := make([]any, len(msgs))
	for i, m := range msgs {
		values[i] = m
	}
	cp.ChannelValues["messages"] = values
	cp.ChannelVersions["messages"] = string(rune('0' + step))
	return cp
}

// agentState is a user type stored as a channel value.
type agentState struct {
	Plan    []string          `json:"plan"`
	Attempt int               `json:"attempt"`
	Scratch map[string]string `json:"scratch"`
}

func listIDs(t *testing.T, s checkpoint.Saver, cfg checkpoint.Config, opts checkpoint.ListOptions) []string {
	t.Helper()
	tuples, err := checkpoint.Collect(s.List(context.Background(), cfg, opts))
	require.NoError(t, err)
	out := make([]string, len(tuples))
	for i, tp := range tuples {
		out[i] = tp.Config.CheckpointID
	}
	return out
}

// RunStore drives a checkpoint.Store over the backend through the scheduler
// scenarios: resume, replay, history, forking and deletion.
func RunStore(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("LinearResume", func(t *testing.T) {
		s := newStore(t, factory)
		thread := checkpoint.WithThreadID("1")

		c1, err := s.Put(ctx, thread, state(0, "hi"), checkpoint.Metadata{Source: checkpoint.SourceInput, Step: -1})
		require.NoError(t, err)
		require.NotEmpty(t, c1.CheckpointID)

		c2, err := s.Put(ctx, c1, state(1, "hi", "hello"), checkpoint.Metadata{Source: checkpoint.SourceLoop, Step: 0})
		require.NoError(t, err)
		assert.Greater(t, c2.CheckpointID, c1.CheckpointID)

		tuple, err := s.GetTuple(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, c2, tuple.Config)
		assert.Equal(t, []any{"hi", "hello"}, tuple.Checkpoint.ChannelValues["messages"])
		assert.Equal(t, c2.CheckpointID, tuple.Checkpoint.ID)
		assert.Equal(t, checkpoint.SourceLoop, tuple.Metadata.Source)
		assert.Equal(t, 0, tuple.Metadata.Step)
		require.NotNil(t, tuple.ParentConfig)
		assert.Equal(t, c1, *tuple.ParentConfig)
		assert.Empty(t, tuple.PendingWrites)

		root, err := s.GetTuple(ctx, c1)
		require.NoError(t, err)
		require.NotNil(t, root)
		assert.Nil(t, root.ParentConfig)
		assert.Equal(t, checkpoint.SourceInput, root.Metadata.Source)
		assert.Equal(t, -1, root.Metadata.Step)
	})

	t.Run("PendingWriteReplay", func(t *testing.T) {
		s := newStore(t, factory)

		c2, err := s.Put(ctx, checkpoint.WithThreadID("1"), state(1, "hi"), checkpoint.Metadata{Source: checkpoint.SourceLoop})
		require.NoError(t, err)

		require.NoError(t, s.PutWrites(ctx, c2, []checkpoint.Write{{Channel: "messages", Value: "from a"}}, "task-a"))
		require.NoError(t, s.PutWrites(ctx, c2, []checkpoint.Write{
			{Channel: "messages", Value: "from b"},
			{Channel: "counter", Value: 1},
		}, "task-b"))

		tuple, err := s.GetTuple(ctx, c2)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Equal(t, []checkpoint.PendingWrite{
			{TaskID: "task-a", Channel: "messages", Value: "from a"},
			{TaskID: "task-b", Channel: "messages", Value: "from b"},
			{TaskID: "task-b", Channel: "counter", Value: 1},
		}, tuple.PendingWrites)

		// Re-running task-a after a crash replaces its write instead of duplicating it.
		require.NoError(t, s.PutWrites(ctx, c2, []checkpoint.Write{{Channel: "messages", Value: "from a again"}}, "task-a"))
		tuple, err = s.GetTuple(ctx, c2)
		require.NoError(t, err)
		require.Len(t, tuple.PendingWrites, 3)
		assert.Equal(t, "from a again", tuple.PendingWrites[0].Value)
	})

	t.Run("TypedChannelValues", func(t *testing.T) {
		ser := serde.NewJSONSerializer(serde.NewTypeRegistry())
		require.NoError(t, ser.RegisterType(reflect.TypeFor[agentState](), "storetest.agentState"))
		s := newStore(t, factory, checkpoint.WithSerializer(ser))

		want := agentState{Plan: []string{"search", "answer"}, Attempt: 2, Scratch: map[string]string{"k": "v"}}
		cp := checkpoint.NewCheckpoint()
		cp.ChannelValues["count"] = 3
		cp.ChannelValues["ratio"] = 0.5
		cp.ChannelValues["id"] = int64(1) << 40
		cp.ChannelValues["state"] = want
		cp.ChannelValues["raw"] = []byte{0xff, 0x00}
		cp.ChannelValues["none"] = nil

		cfg, err := s.Put(ctx, checkpoint.WithThreadID("1"), cp, checkpoint.Metadata{Source: checkpoint.SourceInput, Step: -1})
		require.NoError(t, err)
		require.NoError(t, s.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: "state", Value: want}}, "task"))

		tuple, err := s.GetTuple(ctx, cfg)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		values := tuple.Checkpoint.ChannelValues
		assert.Equal(t, 3, values["count"])
		assert.Equal(t, 0.5, values["ratio"])
		assert.Equal(t, int64(1)<<40, values["id"])
		assert.Equal(t, want, values["state"])
		assert.Equal(t, []byte{0xff, 0x00}, values["raw"])
		assert.Contains(t, values, "none")
		assert.Nil(t, values["none"])
		require.Len(t, tuple.PendingWrites, 1)
		assert.Equal(t, want, tuple.PendingWrites[0].Value)

		// Listing decodes the same way as a point read.
		tuples, err := checkpoint.Collect(s.List(ctx, checkpoint.WithThreadID("1"), checkpoint.ListOptions{}))
		require.NoError(t, err)
		require.Len(t, tuples, 1)
		assert.Equal(t, values, tuples[0].Checkpoint.ChannelValues)
	})

	t.Run("PutWritesWithoutCheckpoint", func(t *testing.T) {
		s := newStore(t, factory)

		require.NoError(t, s.PutWrites(ctx, checkpoint.WithThreadID("1"), []checkpoint.Write{{Channel: "c", Value: 1}}, "task"))

		tuple, err := s.GetTuple(ctx, checkpoint.WithThreadID("1"))
		require.NoError(t, err)
		assert.Nil(t, tuple)
	})

	t.Run("ThreadDeletion", func(t *testing.T) {
		s := newStore(t, factory)

		a := checkpoint.WithThreadID("A")
		b := checkpoint.WithThreadID("B")
		for range 3 {
			cfg, err := s.Put(ctx, a, state(0), checkpoint.Metadata{})
			require.NoError(t, err)
			require.NoError(t, s.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: "c", Value: "v"}}, "t"))
			a = cfg
		}
		_, err := s.Put(ctx, a.WithNamespace("child").Latest(), state(0), checkpoint.Metadata{})
		require.NoError(t, err)
		_, err = s.Put(ctx, b, state(0), checkpoint.Metadata{})
		require.NoError(t, err)

		require.NoError(t, s.DeleteThread(ctx, "A"))

		tuple, err := s.GetTuple(ctx, checkpoint.WithThreadID("A"))
		require.NoError(t, err)
		assert.Nil(t, tuple)
		tuple, err = s.GetTuple(ctx, checkpoint.WithThreadID("A").WithNamespace("child"))
		require.NoError(t, err)
		assert.Nil(t, tuple)
		tuple, err = s.GetTuple(ctx, a)
		require.NoError(t, err)
		assert.Nil(t, tuple)
		assert.Empty(t, listIDs(t, s, checkpoint.WithThreadID("A"), checkpoint.ListOptions{}))

		tuple, err = s.GetTuple(ctx, b)
		require.NoError(t, err)
		assert.NotNil(t, tuple)
	})

	t.Run("BranchViaTimeTravel", func(t *testing.T) {
		s := newStore(t, factory)
		thread := checkpoint.WithThreadID("1")

		c1, err := s.Put(ctx, thread, state(0, "a"), checkpoint.Metadata{Step: -1})
		require.NoError(t, err)
		c2, err := s.Put(ctx, c1, state(1, "a", "b"), checkpoint.Metadata{Step: 0})
		require.NoError(t, err)
		c3, err := s.Put(ctx, c2, state(2, "a", "b", "c"), checkpoint.Metadata{Step: 1})
		require.NoError(t, err)

		c4, err := s.Put(ctx, c2, state(2, "a", "b", "x"), checkpoint.Metadata{Source: checkpoint.SourceFork, Step: 1})
		require.NoError(t, err)

		latest, err := s.GetTuple(ctx, thread)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, c4.CheckpointID, latest.Config.CheckpointID)
		require.NotNil(t, latest.ParentConfig)
		assert.Equal(t, c2.CheckpointID, latest.ParentConfig.CheckpointID)

		assert.Equal(t,
			[]string{c4.CheckpointID, c3.CheckpointID, c2.CheckpointID, c1.CheckpointID},
			listIDs(t, s, thread, checkpoint.ListOptions{}))

		old, err := s.GetTuple(ctx, c3)
		require.NoError(t, err)
		require.NotNil(t, old)
		assert.Equal(t, []any{"a", "b", "c"}, old.Checkpoint.ChannelValues["messages"])
	})

	t.Run("Isolation", func(t *testing.T) {
		s := newStore(t, factory)

		_, err := s.Put(ctx, checkpoint.WithThreadID("A"), state(0), checkpoint.Metadata{})
		require.NoError(t, err)
		_, err = s.Put(ctx, checkpoint.WithThreadID("A").WithNamespace("ns"), state(0), checkpoint.Metadata{})
		require.NoError(t, err)

		assert.Len(t, listIDs(t, s, checkpoint.WithThreadID("A"), checkpoint.ListOptions{}), 1)
		assert.Len(t, listIDs(t, s, checkpoint.WithThreadID("A").WithNamespace("ns"), checkpoint.ListOptions{}), 1)
		assert.Empty(t, listIDs(t, s, checkpoint.WithThreadID("B"), checkpoint.ListOptions{}))
	})

	t.Run("Idempotence", func(t *testing.T) {
		s := newStore(t, factory)
		thread := checkpoint.WithThreadID("1")

		cp := state(0, "hi")
		id, err := checkpoint.NewID()
		require.NoError(t, err)
		cp.ID = id

		first, err := s.Put(ctx, thread, cp, checkpoint.Metadata{Step: 0})
		require.NoError(t, err)
		second, err := s.Put(ctx, thread, cp, checkpoint.Metadata{Step: 0})
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, []string{id}, listIDs(t, s, thread, checkpoint.ListOptions{}))
	})

	t.Run("ListOptions", func(t *testing.T) {
		s := newStore(t, factory, checkpoint.WithPageSize(2))
		thread := checkpoint.WithThreadID("1")

		var cfgs []checkpoint.Config
		parent := thread
		for i := range 5 {
			md := checkpoint.Metadata{Source: checkpoint.SourceLoop, Step: i, Extra: map[string]any{"even": i%2 == 0}}
			cfg, err := s.Put(ctx, parent, state(i), md)
			require.NoError(t, err)
			cfgs = append(cfgs, cfg)
			parent = cfg
		}

		all := listIDs(t, s, thread, checkpoint.ListOptions{})
		require.Len(t, all, 5)
		for i := range 5 {
			assert.Equal(t, cfgs[4-i].CheckpointID, all[i])
		}

		assert.Equal(t, all[:3], listIDs(t, s, thread, checkpoint.ListOptions{Limit: 3}))
		assert.Equal(t, all[2:], listIDs(t, s, thread, checkpoint.ListOptions{Before: &cfgs[2]}))
		assert.Equal(t, []string{all[3]}, listIDs(t, s, thread, checkpoint.ListOptions{Before: &cfgs[2], Limit: 1}))
		assert.Equal(t,
			[]string{cfgs[4].CheckpointID, cfgs[2].CheckpointID, cfgs[0].CheckpointID},
			listIDs(t, s, thread, checkpoint.ListOptions{Filter: map[string]any{"even": true}}))
		assert.Equal(t,
			[]string{cfgs[3].CheckpointID},
			listIDs(t, s, thread, checkpoint.ListOptions{Filter: map[string]any{"step": 3, "source": "loop"}}))
		assert.Empty(t, listIDs(t, s, thread, checkpoint.ListOptions{Filter: map[string]any{"step": 99}}))
	})

	t.Run("ListEarlyStop", func(t *testing.T) {
		s := newStore(t, factory, checkpoint.WithPageSize(1))
		thread := checkpoint.WithThreadID("1")

		parent := thread
		for i := range 4 {
			cfg, err := s.Put(ctx, parent, state(i), checkpoint.Metadata{Step: i})
			require.NoError(t, err)
			parent = cfg
		}

		seen := 0
		for tuple, err := range s.List(ctx, thread, checkpoint.ListOptions{}) {
			require.NoError(t, err)
			require.NotNil(t, tuple)
			seen++
			if seen == 2 {
				break
			}
		}
		assert.Equal(t, 2, seen)
	})

	t.Run("SerializationFailure", func(t *testing.T) {
		s := newStore(t, factory)
		thread := checkpoint.WithThreadID("1")

		cp := state(0)
		cp.ChannelValues["bad"] = make(chan int)
		_, err := s.Put(ctx, thread, cp, checkpoint.Metadata{})
		require.Error(t, err)
		assert.True(t, checkpoint.IsSerializationError(err))

		tuple, err := s.GetTuple(ctx, thread)
		require.NoError(t, err)
		assert.Nil(t, tuple)

		cfg, err := s.Put(ctx, thread, state(0), checkpoint.Metadata{})
		require.NoError(t, err)
		err = s.PutWrites(ctx, cfg, []checkpoint.Write{
			{Channel: "ok", Value: 1},
			{Channel: "bad", Value: func() {}},
		}, "task")
		require.Error(t, err)
		assert.True(t, checkpoint.IsSerializationError(err))

		tuple, err = s.GetTuple(ctx, cfg)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		assert.Empty(t, tuple.PendingWrites)
	})
}

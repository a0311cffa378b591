package redis

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, ttl time.Duration) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()

	// Start miniredis
	mr := miniredis.RunT(t)
	backend := NewRedisBackend(RedisOptions{
		Addr: mr.Addr(),
		TTL:  ttl,
	})
	return backend, mr
}

func TestRedisBackend_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) checkpoint.Backend {
		backend, _ := newTestBackend(t, 0)
		return backend
	})
}

func TestRedisBackend_KeysShareThreadHashTag(t *testing.T) {
	backend, mr := newTestBackend(t, 0)
	defer backend.Close()
	ctx := context.Background()

	require.NoError(t, backend.PutCheckpoint(ctx, storetest.Record("thread:1", "sub/ns", "0001", "", nil)))
	require.NoError(t, backend.PutWrites(ctx, []checkpoint.WriteRecord{
		storetest.WriteRecord("thread:1", "sub/ns", "0001", "task", 0, "c", "v"),
	}))

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, key := range keys {
		assert.True(t, strings.HasPrefix(key, "checkpoint:{thread%3A1}:"), key)
	}

	threadKeys, err := backend.ThreadKeys(ctx, "thread:1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"checkpoint:{thread%3A1}:cp:sub%2Fns:0001",
		"checkpoint:{thread%3A1}:idx:sub%2Fns",
		"checkpoint:{thread%3A1}:writes:sub%2Fns:0001",
	}, threadKeys)
}

func TestRedisBackend_DeleteThreadRemovesAllKeys(t *testing.T) {
	backend, mr := newTestBackend(t, 0)
	defer backend.Close()
	ctx := context.Background()

	s := checkpoint.New(backend)
	cfg, err := s.Put(ctx, checkpoint.WithThreadID("A"), checkpoint.NewCheckpoint(), checkpoint.Metadata{})
	require.NoError(t, err)
	require.NoError(t, s.PutWrites(ctx, cfg, []checkpoint.Write{{Channel: "c", Value: 1}}, "task"))
	_, err = s.Put(ctx, checkpoint.WithThreadID("B"), checkpoint.NewCheckpoint(), checkpoint.Metadata{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteThread(ctx, "A"))

	for _, key := range mr.Keys() {
		assert.False(t, strings.Contains(key, "{A}"), key)
	}
	assert.NotEmpty(t, mr.Keys())
}

func TestRedisBackend_TTL(t *testing.T) {
	backend, mr := newTestBackend(t, time.Hour)
	defer backend.Close()
	ctx := context.Background()

	require.NoError(t, backend.PutCheckpoint(ctx, storetest.Record("t1", "", "0001", "", nil)))
	require.NoError(t, backend.PutWrites(ctx, []checkpoint.WriteRecord{
		storetest.WriteRecord("t1", "", "0001", "task", 0, "c", "v"),
	}))

	for _, key := range mr.Keys() {
		assert.Equal(t, time.Hour, mr.TTL(key), key)
	}

	mr.FastForward(2 * time.Hour)

	got, err := backend.GetCheckpoint(ctx, checkpoint.Config{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisBackend_NoTTLByDefault(t *testing.T) {
	backend, mr := newTestBackend(t, 0)
	defer backend.Close()
	ctx := context.Background()

	require.NoError(t, backend.PutCheckpoint(ctx, storetest.Record("t1", "", "0001", "", nil)))
	for _, key := range mr.Keys() {
		assert.Equal(t, time.Duration(0), mr.TTL(key), key)
	}
}

func TestRedisBackend_MissingDocumentSkipped(t *testing.T) {
	backend, mr := newTestBackend(t, 0)
	defer backend.Close()
	ctx := context.Background()

	require.NoError(t, backend.PutCheckpoint(ctx, storetest.Record("t1", "", "0001", "", nil)))
	require.NoError(t, backend.PutCheckpoint(ctx, storetest.Record("t1", "", "0002", "", nil)))
	mr.Del(backend.checkpointKey("t1", "", "0002"))

	recs, err := backend.ListCheckpoints(ctx, checkpoint.ListQuery{ThreadID: "t1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "0001", recs[0].CheckpointID)
}

func TestRedisBackend_FilterScansPastFirstChunk(t *testing.T) {
	backend, _ := newTestBackend(t, 0)
	defer backend.Close()
	ctx := context.Background()

	// Only the oldest checkpoint matches, so the listing must page through the index.
	for i := range scanChunk + 5 {
		md := map[string]any{"match": i == 0}
		id := fmt.Sprintf("%04d", i)
		require.NoError(t, backend.PutCheckpoint(ctx, storetest.Record("t1", "", id, "", md)))
	}

	recs, err := backend.ListCheckpoints(ctx, checkpoint.ListQuery{
		ThreadID: "t1",
		Filter:   map[string]any{"match": true},
		Limit:    1,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "0000", recs[0].CheckpointID)
}

func TestRedisBackend_CustomPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	backend := NewRedisBackend(RedisOptions{Addr: mr.Addr(), Prefix: "app:"})
	defer backend.Close()

	require.NoError(t, backend.PutCheckpoint(context.Background(), storetest.Record("t1", "", "0001", "", nil)))
	for _, key := range mr.Keys() {
		assert.True(t, strings.HasPrefix(key, "app:{t1}:"), key)
	}
}

func TestRedisBackend_Ping(t *testing.T) {
	backend, mr := newTestBackend(t, 0)
	defer backend.Close()

	assert.NoError(t, backend.Ping(context.Background()))

	mr.Close()
	assert.Error(t, backend.Ping(context.Background()))
}

func TestRedisBackend_ConnectionErrorIsStorageError(t *testing.T) {
	backend, mr := newTestBackend(t, 0)
	defer backend.Close()
	mr.Close()

	s := checkpoint.New(backend)
	_, err := s.GetTuple(context.Background(), checkpoint.WithThreadID("t1"))
	assert.True(t, checkpoint.IsStorageError(err))
}

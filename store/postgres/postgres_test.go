package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/smallnest/checkpointgo/checkpoint"
	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/serde"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var checkpointColumns = []string{
	"thread_id", "checkpoint_ns", "checkpoint_id", "parent_checkpoint_id",
	"type", "checkpoint", "metadata_type", "metadata", "metadata_json", "created_at",
}

var writeColumns = []string{"task_id", "idx", "channel", "type", "value", "created_at"}

func ptr(s string) *string {
	return &s
}

func TestPostgresBackend_PutCheckpoint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	createdAt := time.Now().UTC()
	rec := checkpoint.CheckpointRecord{
		ThreadID:           "thread-1",
		Namespace:          "",
		CheckpointID:       "cp-2",
		ParentCheckpointID: "cp-1",
		Type:               "json",
		Checkpoint:         []byte(`{"id":"cp-2"}`),
		MetadataType:       "json",
		Metadata:           []byte(`{"step":1}`),
		MetadataJSON:       []byte(`{"step":1}`),
		CreatedAt:          createdAt,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs(
			"thread-1",
			"",
			"cp-2",
			"cp-1",
			"json",
			rec.Checkpoint,
			"json",
			rec.Metadata,
			`{"step":1}`,
			createdAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = backend.PutCheckpoint(context.Background(), rec)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_PutCheckpoint_RootHasNullParent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs("thread-1", "", "cp-1", nil, "json", pgxmock.AnyArg(), "json", pgxmock.AnyArg(), "{}", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = backend.PutCheckpoint(context.Background(), checkpoint.CheckpointRecord{
		ThreadID:     "thread-1",
		CheckpointID: "cp-1",
		Type:         "json",
		MetadataType: "json",
		CreatedAt:    time.Now(),
	})
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_PutCheckpoint_DatabaseError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	dbError := errors.New("database connection failed")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WillReturnError(dbError)

	err = backend.PutCheckpoint(context.Background(), checkpoint.CheckpointRecord{ThreadID: "thread-1", CheckpointID: "cp-1"})
	assert.Error(t, err)
	assert.ErrorIs(t, err, dbError)
	assert.Contains(t, err.Error(), "failed to save checkpoint")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_PutWrites(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})
	now := time.Now().UTC()

	recs := []checkpoint.WriteRecord{
		{ThreadID: "thread-1", CheckpointID: "cp-1", TaskID: "task-a", Idx: 0, Channel: "messages", Type: "json", Value: []byte(`"hi"`), CreatedAt: now},
		{ThreadID: "thread-1", CheckpointID: "cp-1", TaskID: "task-a", Idx: 1, Channel: "count", Type: "json", Value: []byte(`1`), CreatedAt: now},
	}

	mock.ExpectBegin()
	for _, rec := range recs {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoint_writes")).
			WithArgs("thread-1", "", "cp-1", "task-a", rec.Idx, rec.Channel, "json", rec.Value, now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	err = backend.PutWrites(context.Background(), recs)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_PutWrites_RollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoint_writes")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoint_writes")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = backend.PutWrites(context.Background(), []checkpoint.WriteRecord{
		{ThreadID: "thread-1", CheckpointID: "cp-1", TaskID: "task-a", Idx: 0},
		{ThreadID: "thread-1", CheckpointID: "cp-1", TaskID: "task-a", Idx: 1},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save write task-a/1")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_PutWrites_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	assert.NoError(t, backend.PutWrites(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_GetCheckpoint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})
	createdAt := time.Now().UTC()

	rows := pgxmock.NewRows(checkpointColumns).
		AddRow("thread-1", "", "cp-2", ptr("cp-1"), "json", []byte(`{}`), "json", []byte(`{}`), []byte(`{"step":1}`), createdAt)

	mock.ExpectQuery(regexp.QuoteMeta("FROM checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3")).
		WithArgs("thread-1", "", "cp-2").
		WillReturnRows(rows)

	rec, err := backend.GetCheckpoint(context.Background(), checkpoint.Config{ThreadID: "thread-1", CheckpointID: "cp-2"})
	assert.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "cp-2", rec.CheckpointID)
	assert.Equal(t, "cp-1", rec.ParentCheckpointID)
	assert.Equal(t, []byte(`{"step":1}`), rec.MetadataJSON)
	assert.Equal(t, createdAt, rec.CreatedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_GetCheckpoint_Latest(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	rows := pgxmock.NewRows(checkpointColumns).
		AddRow("thread-1", "sub", "cp-9", (*string)(nil), "json", []byte(`{}`), "json", []byte(`{}`), []byte(`{}`), time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("FROM checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2 ORDER BY checkpoint_id DESC LIMIT 1")).
		WithArgs("thread-1", "sub").
		WillReturnRows(rows)

	rec, err := backend.GetCheckpoint(context.Background(), checkpoint.Config{ThreadID: "thread-1", Namespace: "sub"})
	assert.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "cp-9", rec.CheckpointID)
	assert.Empty(t, rec.ParentCheckpointID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_GetCheckpoint_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	mock.ExpectQuery(regexp.QuoteMeta("FROM checkpoints WHERE thread_id = $1")).
		WithArgs("thread-1", "", "missing").
		WillReturnError(pgx.ErrNoRows)

	rec, err := backend.GetCheckpoint(context.Background(), checkpoint.Config{ThreadID: "thread-1", CheckpointID: "missing"})
	assert.NoError(t, err)
	assert.Nil(t, rec)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_GetCheckpoint_DatabaseError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	mock.ExpectQuery(regexp.QuoteMeta("FROM checkpoints WHERE thread_id = $1")).
		WithArgs("thread-1", "").
		WillReturnError(errors.New("database connection failed"))

	rec, err := backend.GetCheckpoint(context.Background(), checkpoint.Config{ThreadID: "thread-1"})
	assert.Error(t, err)
	assert.Nil(t, rec)
	assert.Contains(t, err.Error(), "failed to load checkpoint")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_ListCheckpoints(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})
	now := time.Now()

	rows := pgxmock.NewRows(checkpointColumns).
		AddRow("thread-1", "", "cp-3", ptr("cp-2"), "json", []byte(`{}`), "json", []byte(`{}`), []byte(`{"source":"loop","step":2}`), now).
		AddRow("thread-1", "", "cp-2", ptr("cp-1"), "json", []byte(`{}`), "json", []byte(`{}`), []byte(`{"source":"loop","step":1}`), now)

	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id < $3 " +
			"AND metadata_json -> $4 = $5::jsonb AND metadata_json -> $6 = $7::jsonb " +
			"ORDER BY checkpoint_id DESC LIMIT $8")).
		WithArgs("thread-1", "", "cp-4", "source", `"loop"`, "user", `"alice"`, 2).
		WillReturnRows(rows)

	recs, err := backend.ListCheckpoints(context.Background(), checkpoint.ListQuery{
		ThreadID: "thread-1",
		Before:   "cp-4",
		Filter:   map[string]any{"user": "alice", "source": "loop"},
		Limit:    2,
	})
	assert.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "cp-3", recs[0].CheckpointID)
	assert.Equal(t, "cp-2", recs[1].CheckpointID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_ListCheckpoints_EmptyResult(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	mock.ExpectQuery(regexp.QuoteMeta("WHERE thread_id = $1 AND checkpoint_ns = $2 ORDER BY checkpoint_id DESC")).
		WithArgs("thread-1", "").
		WillReturnRows(pgxmock.NewRows(checkpointColumns))

	recs, err := backend.ListCheckpoints(context.Background(), checkpoint.ListQuery{ThreadID: "thread-1"})
	assert.NoError(t, err)
	assert.Empty(t, recs)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_ListCheckpoints_DatabaseError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	mock.ExpectQuery(regexp.QuoteMeta("FROM checkpoints")).
		WillReturnError(errors.New("database connection failed"))

	_, err = backend.ListCheckpoints(context.Background(), checkpoint.ListQuery{ThreadID: "thread-1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list checkpoints")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_ListCheckpoints_BadFilterValue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	_, err = backend.ListCheckpoints(context.Background(), checkpoint.ListQuery{
		ThreadID: "thread-1",
		Filter:   map[string]any{"bad": make(chan int)},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported metadata filter value")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_ListWrites(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})
	now := time.Now()

	rows := pgxmock.NewRows(writeColumns).
		AddRow("task-a", 0, "messages", "json", []byte(`"a"`), now).
		AddRow("task-b", 0, "messages", "json", []byte(`"b"`), now)

	mock.ExpectQuery(regexp.QuoteMeta("FROM checkpoint_writes WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3 ORDER BY task_id, idx")).
		WithArgs("thread-1", "", "cp-1").
		WillReturnRows(rows)

	recs, err := backend.ListWrites(context.Background(), checkpoint.Config{ThreadID: "thread-1", CheckpointID: "cp-1"})
	assert.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "task-a", recs[0].TaskID)
	assert.Equal(t, "cp-1", recs[0].CheckpointID)
	assert.Equal(t, []byte(`"b"`), recs[1].Value)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_DeleteThread(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoint_writes WHERE thread_id = $1")).
		WithArgs("thread-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE thread_id = $1")).
		WithArgs("thread-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	err = backend.DeleteThread(context.Background(), "thread-1")
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_DeleteThread_DatabaseError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoint_writes")).
		WithArgs("thread-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints")).
		WithArgs("thread-1").
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	err = backend.DeleteThread(context.Background(), "thread-1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to clear checkpoints")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_DeleteThread_BeginError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	err = backend.DeleteThread(context.Background(), "thread-1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin transaction")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_InitSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS checkpoints (`)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	err = backend.InitSchema(context.Background())
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_InitSchema_CustomTables(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{
		CheckpointsTable: "agent_checkpoints",
		WritesTable:      "agent_writes",
	})

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS agent_checkpoints .* ` +
		`CREATE INDEX IF NOT EXISTS idx_agent_checkpoints_metadata_json .* ` +
		`CREATE TABLE IF NOT EXISTS agent_writes`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	err = backend.InitSchema(context.Background())
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_InitSchema_DatabaseError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnError(errors.New("permission denied"))

	err = backend.InitSchema(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create schema")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_Close(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	// This should not panic
	assert.NotPanics(t, func() {
		assert.NoError(t, backend.Close())
	})
}

func TestNewPostgresBackendWithPool_DefaultTableNames(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	backend := NewPostgresBackendWithPool(mock, PostgresOptions{})

	assert.NotNil(t, backend)
	assert.Equal(t, "checkpoints", backend.checkpointsTable)
	assert.Equal(t, "checkpoint_writes", backend.writesTable)
	assert.Equal(t, mock, backend.pool)
}

func TestNewPostgresBackend_InvalidConnection(t *testing.T) {
	ctx := context.Background()
	opts := PostgresOptions{
		ConnString: "invalid://connection-string",
	}

	// This should return an error due to invalid connection string
	_, err := NewPostgresBackend(ctx, opts)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unable to create connection pool")
}

func TestPostgresBackend_StoreRoundTrip(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	store := checkpoint.New(NewPostgresBackendWithPool(mock, PostgresOptions{}), checkpoint.WithLogger(&log.NoOpLogger{}))
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs("thread-1", "", pgxmock.AnyArg(), nil, checkpoint.CheckpointTypeName, pgxmock.AnyArg(),
			checkpoint.MetadataTypeName, pgxmock.AnyArg(), `{"source":"input","step":-1}`, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	cfg, err := store.Put(ctx, checkpoint.WithThreadID("thread-1"), checkpoint.NewCheckpoint(),
		checkpoint.Metadata{Source: checkpoint.SourceInput, Step: -1})
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.CheckpointID)

	// Read it back as the database would return it.
	cp := checkpoint.NewCheckpoint()
	cp.ID = cfg.CheckpointID
	cp.ChannelValues["messages"] = []any{"hi"}
	cp.ChannelValues["turns"] = 2
	s := serde.DefaultSerializer()
	cpType, cpData, err := checkpoint.EncodeCheckpoint(s, cp)
	require.NoError(t, err)
	mdType, mdData, err := s.DumpsTyped(checkpoint.Metadata{Source: checkpoint.SourceInput, Step: -1})
	require.NoError(t, err)
	mdJSON, err := json.Marshal(checkpoint.Metadata{Source: checkpoint.SourceInput, Step: -1})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("FROM checkpoints WHERE thread_id = $1 AND checkpoint_ns = $2 ORDER BY checkpoint_id DESC LIMIT 1")).
		WithArgs("thread-1", "").
		WillReturnRows(pgxmock.NewRows(checkpointColumns).
			AddRow("thread-1", "", cfg.CheckpointID, (*string)(nil), cpType, cpData, mdType, mdData, mdJSON, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("FROM checkpoint_writes")).
		WithArgs("thread-1", "", cfg.CheckpointID).
		WillReturnRows(pgxmock.NewRows(writeColumns).
			AddRow("task-a", 0, "messages", "json", []byte(`"hello"`), time.Now()))

	tuple, err := store.GetTuple(ctx, checkpoint.WithThreadID("thread-1"))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, cfg, tuple.Config)
	assert.Nil(t, tuple.ParentConfig)
	assert.Equal(t, []any{"hi"}, tuple.Checkpoint.ChannelValues["messages"])
	assert.Equal(t, 2, tuple.Checkpoint.ChannelValues["turns"])
	assert.Equal(t, checkpoint.SourceInput, tuple.Metadata.Source)
	assert.Equal(t, []checkpoint.PendingWrite{{TaskID: "task-a", Channel: "messages", Value: "hello"}}, tuple.PendingWrites)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackend_StoreWrapsStorageErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	store := checkpoint.New(NewPostgresBackendWithPool(mock, PostgresOptions{}), checkpoint.WithLogger(&log.NoOpLogger{}))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoint_writes")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = store.DeleteThread(context.Background(), "thread-1")
	assert.True(t, checkpoint.IsStorageError(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

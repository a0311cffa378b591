package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smallnest/checkpointgo/checkpoint"
)

const (
	DefaultCheckpointsTable = "checkpoints"
	DefaultWritesTable      = "checkpoint_writes"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresBackend implements checkpoint.Backend using PostgreSQL
type PostgresBackend struct {
	pool             DBPool
	checkpointsTable string
	writesTable      string
}

var _ checkpoint.Backend = (*PostgresBackend)(nil)

// PostgresOptions configuration for Postgres connection
type PostgresOptions struct {
	ConnString       string
	CheckpointsTable string // Default "checkpoints"
	WritesTable      string // Default "checkpoint_writes"
}

// NewPostgresBackend creates a new Postgres backend. Call InitSchema before first use.
func NewPostgresBackend(ctx context.Context, opts PostgresOptions) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewPostgresBackendWithPool(pool, opts), nil
}

// NewPostgresBackendWithPool creates a new Postgres backend with an existing pool
// Useful for testing with mocks
func NewPostgresBackendWithPool(pool DBPool, opts PostgresOptions) *PostgresBackend {
	checkpointsTable := opts.CheckpointsTable
	if checkpointsTable == "" {
		checkpointsTable = DefaultCheckpointsTable
	}
	writesTable := opts.WritesTable
	if writesTable == "" {
		writesTable = DefaultWritesTable
	}
	return &PostgresBackend{
		pool:             pool,
		checkpointsTable: checkpointsTable,
		writesTable:      writesTable,
	}
}

// InitSchema creates the necessary tables if they don't exist.
// checkpoint_id uses the "C" collation so that ids order byte-wise.
func (s *PostgresBackend) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT COLLATE "C" NOT NULL,
			parent_checkpoint_id TEXT COLLATE "C",
			type TEXT NOT NULL,
			checkpoint BYTEA,
			metadata_type TEXT NOT NULL,
			metadata BYTEA,
			metadata_json JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_metadata_json ON %[1]s USING GIN (metadata_json);
		CREATE TABLE IF NOT EXISTS %[2]s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT COLLATE "C" NOT NULL,
			task_id TEXT COLLATE "C" NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			type TEXT NOT NULL,
			value BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		);
	`, s.checkpointsTable, s.writesTable)

	_, err := s.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresBackend) Close() error {
	s.pool.Close()
	return nil
}

// PutCheckpoint implements checkpoint.Backend.
func (s *PostgresBackend) PutCheckpoint(ctx context.Context, rec checkpoint.CheckpointRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata_type, metadata, metadata_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
			type = EXCLUDED.type,
			checkpoint = EXCLUDED.checkpoint,
			metadata_type = EXCLUDED.metadata_type,
			metadata = EXCLUDED.metadata,
			metadata_json = EXCLUDED.metadata_json,
			created_at = EXCLUDED.created_at
	`, s.checkpointsTable)

	_, err := s.pool.Exec(ctx, query,
		rec.ThreadID,
		rec.Namespace,
		rec.CheckpointID,
		nullable(rec.ParentCheckpointID),
		rec.Type,
		rec.Checkpoint,
		rec.MetadataType,
		rec.Metadata,
		metadataText(rec.MetadataJSON),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// PutWrites implements checkpoint.Backend.
func (s *PostgresBackend) PutWrites(ctx context.Context, recs []checkpoint.WriteRecord) (err error) {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
			channel = EXCLUDED.channel,
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			created_at = EXCLUDED.created_at
	`, s.writesTable)

	for _, rec := range recs {
		if _, err = tx.Exec(ctx, query,
			rec.ThreadID,
			rec.Namespace,
			rec.CheckpointID,
			rec.TaskID,
			rec.Idx,
			rec.Channel,
			rec.Type,
			rec.Value,
			rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to save write %s/%d: %w", rec.TaskID, rec.Idx, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit writes: %w", err)
	}
	return nil
}

func (s *PostgresBackend) selectCheckpoints() string {
	return fmt.Sprintf(`
		SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata_type, metadata, metadata_json, created_at
		FROM %s`, s.checkpointsTable)
}

func scanCheckpoint(row pgx.Row) (checkpoint.CheckpointRecord, error) {
	var rec checkpoint.CheckpointRecord
	var parent *string
	err := row.Scan(
		&rec.ThreadID,
		&rec.Namespace,
		&rec.CheckpointID,
		&parent,
		&rec.Type,
		&rec.Checkpoint,
		&rec.MetadataType,
		&rec.Metadata,
		&rec.MetadataJSON,
		&rec.CreatedAt,
	)
	if parent != nil {
		rec.ParentCheckpointID = *parent
	}
	return rec, err
}

// GetCheckpoint implements checkpoint.Backend.
func (s *PostgresBackend) GetCheckpoint(ctx context.Context, cfg checkpoint.Config) (*checkpoint.CheckpointRecord, error) {
	query := s.selectCheckpoints() + ` WHERE thread_id = $1 AND checkpoint_ns = $2`
	args := []any{cfg.ThreadID, cfg.Namespace}
	if cfg.CheckpointID != "" {
		query += ` AND checkpoint_id = $3`
		args = append(args, cfg.CheckpointID)
	} else {
		query += ` ORDER BY checkpoint_id DESC LIMIT 1`
	}

	rec, err := scanCheckpoint(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &rec, nil
}

// ListCheckpoints implements checkpoint.Backend.
func (s *PostgresBackend) ListCheckpoints(ctx context.Context, q checkpoint.ListQuery) ([]checkpoint.CheckpointRecord, error) {
	var sb strings.Builder
	sb.WriteString(s.selectCheckpoints())
	sb.WriteString(` WHERE thread_id = $1 AND checkpoint_ns = $2`)
	args := []any{q.ThreadID, q.Namespace}

	if q.Before != "" {
		args = append(args, q.Before)
		fmt.Fprintf(&sb, ` AND checkpoint_id < $%d`, len(args))
	}

	for _, key := range slices.Sorted(maps.Keys(q.Filter)) {
		value, err := json.Marshal(q.Filter[key])
		if err != nil {
			return nil, fmt.Errorf("unsupported metadata filter value for %q: %w", key, err)
		}
		args = append(args, key, string(value))
		fmt.Fprintf(&sb, ` AND metadata_json -> $%d = $%d::jsonb`, len(args)-1, len(args))
	}

	sb.WriteString(` ORDER BY checkpoint_id DESC`)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return out, nil
}

// ListWrites implements checkpoint.Backend.
func (s *PostgresBackend) ListWrites(ctx context.Context, cfg checkpoint.Config) ([]checkpoint.WriteRecord, error) {
	query := fmt.Sprintf(`
		SELECT task_id, idx, channel, type, value, created_at
		FROM %s
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
		ORDER BY task_id, idx
	`, s.writesTable)

	rows, err := s.pool.Query(ctx, query, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list writes: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.WriteRecord
	for rows.Next() {
		rec := checkpoint.WriteRecord{
			ThreadID:     cfg.ThreadID,
			Namespace:    cfg.Namespace,
			CheckpointID: cfg.CheckpointID,
		}
		if err := rows.Scan(&rec.TaskID, &rec.Idx, &rec.Channel, &rec.Type, &rec.Value, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan write row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating write rows: %w", err)
	}
	return out, nil
}

// DeleteThread implements checkpoint.Backend.
func (s *PostgresBackend) DeleteThread(ctx context.Context, threadID string) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, table := range []string{s.writesTable, s.checkpointsTable} {
		if _, err = tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", table), threadID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit thread deletion: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func metadataText(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}

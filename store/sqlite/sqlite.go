package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/smallnest/checkpointgo/checkpoint"
)

const (
	DefaultCheckpointsTable = "checkpoints"
	DefaultWritesTable      = "checkpoint_writes"
)

// SqliteBackend implements checkpoint.Backend using SQLite
type SqliteBackend struct {
	db               *sql.DB
	checkpointsTable string
	writesTable      string
}

var _ checkpoint.Backend = (*SqliteBackend)(nil)

// SqliteOptions configuration for SQLite connection
type SqliteOptions struct {
	Path             string // File path or ":memory:"
	CheckpointsTable string // Default "checkpoints"
	WritesTable      string // Default "checkpoint_writes"
}

// NewSqliteBackend opens the database at opts.Path and creates the schema.
func NewSqliteBackend(opts SqliteOptions) (*SqliteBackend, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Every connection to ":memory:" would see its own empty database.
	if opts.Path == ":memory:" || strings.Contains(opts.Path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	b := NewSqliteBackendFromDB(db, opts)
	if err := b.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// NewSqliteBackendFromDB wraps an open database. The caller runs InitSchema.
func NewSqliteBackendFromDB(db *sql.DB, opts SqliteOptions) *SqliteBackend {
	checkpointsTable := opts.CheckpointsTable
	if checkpointsTable == "" {
		checkpointsTable = DefaultCheckpointsTable
	}
	writesTable := opts.WritesTable
	if writesTable == "" {
		writesTable = DefaultWritesTable
	}
	return &SqliteBackend{
		db:               db,
		checkpointsTable: checkpointsTable,
		writesTable:      writesTable,
	}
}

// NewSqliteSaver creates a checkpoint.Store over a new SqliteBackend.
func NewSqliteSaver(opts SqliteOptions, storeOpts ...checkpoint.Option) (*checkpoint.Store, error) {
	b, err := NewSqliteBackend(opts)
	if err != nil {
		return nil, err
	}
	return checkpoint.New(b, storeOpts...), nil
}

// DB returns the underlying database handle.
func (s *SqliteBackend) DB() *sql.DB {
	return s.db
}

// InitSchema creates the necessary tables if they don't exist
func (s *SqliteBackend) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			type TEXT NOT NULL,
			checkpoint BLOB,
			metadata_type TEXT NOT NULL,
			metadata BLOB,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			type TEXT NOT NULL,
			value BLOB,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
		);
	`, s.checkpointsTable, s.writesTable)

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SqliteBackend) Close() error {
	return s.db.Close()
}

// PutCheckpoint implements checkpoint.Backend.
func (s *SqliteBackend) PutCheckpoint(ctx context.Context, rec checkpoint.CheckpointRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata_type, metadata, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = excluded.parent_checkpoint_id,
			type = excluded.type,
			checkpoint = excluded.checkpoint,
			metadata_type = excluded.metadata_type,
			metadata = excluded.metadata,
			metadata_json = excluded.metadata_json,
			created_at = excluded.created_at
	`, s.checkpointsTable)

	_, err := s.db.ExecContext(ctx, query,
		rec.ThreadID,
		rec.Namespace,
		rec.CheckpointID,
		nullString(rec.ParentCheckpointID),
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
func (s *SqliteBackend) PutWrites(ctx context.Context, recs []checkpoint.WriteRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
			channel = excluded.channel,
			type = excluded.type,
			value = excluded.value,
			created_at = excluded.created_at
	`, s.writesTable))
	if err != nil {
		return fmt.Errorf("failed to prepare write statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
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

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit writes: %w", err)
	}
	return nil
}

func (s *SqliteBackend) selectCheckpoints() string {
	return fmt.Sprintf(`
		SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata_type, metadata, metadata_json, created_at
		FROM %s`, s.checkpointsTable)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (checkpoint.CheckpointRecord, error) {
	var rec checkpoint.CheckpointRecord
	var parent sql.NullString
	var metadataJSON string
	err := row.Scan(
		&rec.ThreadID,
		&rec.Namespace,
		&rec.CheckpointID,
		&parent,
		&rec.Type,
		&rec.Checkpoint,
		&rec.MetadataType,
		&rec.Metadata,
		&metadataJSON,
		&rec.CreatedAt,
	)
	rec.ParentCheckpointID = parent.String
	rec.MetadataJSON = []byte(metadataJSON)
	return rec, err
}

// GetCheckpoint implements checkpoint.Backend.
func (s *SqliteBackend) GetCheckpoint(ctx context.Context, cfg checkpoint.Config) (*checkpoint.CheckpointRecord, error) {
	query := s.selectCheckpoints() + ` WHERE thread_id = ? AND checkpoint_ns = ?`
	args := []any{cfg.ThreadID, cfg.Namespace}
	if cfg.CheckpointID != "" {
		query += ` AND checkpoint_id = ?`
		args = append(args, cfg.CheckpointID)
	} else {
		query += ` ORDER BY checkpoint_id DESC LIMIT 1`
	}

	rec, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &rec, nil
}

// ListCheckpoints implements checkpoint.Backend.
func (s *SqliteBackend) ListCheckpoints(ctx context.Context, q checkpoint.ListQuery) ([]checkpoint.CheckpointRecord, error) {
	var sb strings.Builder
	sb.WriteString(s.selectCheckpoints())
	sb.WriteString(` WHERE thread_id = ? AND checkpoint_ns = ?`)
	args := []any{q.ThreadID, q.Namespace}

	if q.Before != "" {
		sb.WriteString(` AND checkpoint_id < ?`)
		args = append(args, q.Before)
	}

	for _, key := range slices.Sorted(maps.Keys(q.Filter)) {
		path, err := jsonPath(key)
		if err != nil {
			return nil, err
		}
		value, err := filterValue(q.Filter[key])
		if err != nil {
			return nil, err
		}
		sb.WriteString(` AND json_extract(metadata_json, ?) = json_extract(?, '$')`)
		args = append(args, path, value)
	}

	sb.WriteString(` ORDER BY checkpoint_id DESC`)
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
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
func (s *SqliteBackend) ListWrites(ctx context.Context, cfg checkpoint.Config) ([]checkpoint.WriteRecord, error) {
	query := fmt.Sprintf(`
		SELECT task_id, idx, channel, type, value, created_at
		FROM %s
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY task_id, idx
	`, s.writesTable)

	rows, err := s.db.QueryContext(ctx, query, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
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
func (s *SqliteBackend) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{s.writesTable, s.checkpointsTable} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", table), threadID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit thread deletion: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func metadataText(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}

// jsonPath quotes key as a single top-level member of a SQLite JSON path.
func jsonPath(key string) (string, error) {
	if strings.ContainsAny(key, `"\`) {
		return "", fmt.Errorf("unsupported metadata filter key %q", key)
	}
	return `$."` + key + `"`, nil
}

func filterValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("unsupported metadata filter value %v: %w", v, err)
	}
	return string(data), nil
}

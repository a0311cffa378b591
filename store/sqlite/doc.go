// Package sqlite provides SQLite-backed storage for checkpoints and pending writes.
//
// This package implements file-based checkpoint storage using SQLite via
// github.com/mattn/go-sqlite3, suited to single-host applications that want
// durable history without running a database server.
//
// # Key Features
//
//   - Serverless, file-based database
//   - Upserts keyed by the full checkpoint and write identity
//   - Pending-write batches and thread deletion run in one transaction
//   - Metadata filters evaluated in SQL with json_extract
//   - Configurable table names
//
// # Basic Usage
//
//	saver, err := sqlite.NewSqliteSaver(sqlite.SqliteOptions{
//		Path: "./checkpoints.db",
//	})
//	if err != nil {
//		return err
//	}
//	defer saver.Close()
//
//	cfg, err := saver.Put(ctx, checkpoint.WithThreadID("conversation-1"), cp, md)
//
// # Schema
//
// NewSqliteBackend runs InitSchema, which creates two tables when missing:
//
//	checkpoints        PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
//	checkpoint_writes  PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)
//
// The primary key of checkpoints doubles as the index for latest and history
// lookups. Text columns use SQLite's default BINARY collation, so ids compare
// byte-wise.
//
// # Custom Table Names
//
//	backend, err := sqlite.NewSqliteBackend(sqlite.SqliteOptions{
//		Path:             "./app.db",
//		CheckpointsTable: "agent_checkpoints",
//		WritesTable:      "agent_checkpoint_writes",
//	})
//
// # In-Memory Databases
//
// Path ":memory:" gives each backend a private database; the pool is limited
// to one connection so that every query sees the same data.
//
// # Concurrency
//
// For concurrent writers on a file database, enable WAL and a busy timeout in
// the DSN:
//
//	sqlite.SqliteOptions{Path: "file:checkpoints.db?_journal_mode=WAL&_busy_timeout=5000"}
//
// # Metadata Filters
//
// Filter keys address top-level metadata fields. Keys containing a double
// quote or backslash are rejected. Values are compared after JSON decoding on
// both sides, so 1 matches 1.0 and true matches true.
package sqlite

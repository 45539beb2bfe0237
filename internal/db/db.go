// Package db is the durable local storage of the sync engine.
//
// One SQLite database (ncruces/go-sqlite3, WAL mode) holds two independent
// tables:
//
//   - exercise_cache: the LocalCacheStore. One row per exercise holding the
//     last known full state of its sets. Writes replace the row wholesale.
//   - pending_ops: the PendingOperationQueue. An append-only log of field
//     edits not yet confirmed by the server, in insertion order.
//
// No statement ever touches both tables, so each table's invariants hold on
// their own and no cross-table transaction is needed.
//
// Every operation has a plain form and a Context form, for example
// PutExercise and PutExerciseContext.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by lookups that require the row to exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection holding the cache and queue tables.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path and ensures the schema exists.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	store, err := db.Open(filepath.Join(home, ".setsync", "setsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	// synchronous(full) makes each committed enqueue durable before it returns.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(full)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// journal_mode is persistent in the file, so once is enough.
	if _, err := db.conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates both tables if they don't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- LocalCacheStore
	CREATE TABLE IF NOT EXISTS exercise_cache (
		exercise_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		sets TEXT NOT NULL,  -- JSON array of SetRecord
		last_synced_at TEXT,
		written_at TEXT NOT NULL
	);

	-- PendingOperationQueue; seq preserves insertion order
	CREATE TABLE IF NOT EXISTS pending_ops (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		exercise_id TEXT NOT NULL,
		set_id TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,  -- canonical JSON value
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_ops_target
	    ON pending_ops(exercise_id, set_id, field);
	CREATE INDEX IF NOT EXISTS idx_pending_ops_timestamp ON pending_ops(timestamp);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// timeToNullString converts a zero time to SQL NULL.
func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullStringToTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return parseTime(ns.String)
}

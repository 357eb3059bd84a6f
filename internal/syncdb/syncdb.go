// Package syncdb provides the local SQLite store for the sync engine.
//
// The store holds the four durable bookkeeping tables that must survive
// process restart: per-record sync metadata, the outbound queue, the
// per-table cursor/status row, and the conflict log. It also carries a
// generic document table backing the default payload codec.
//
// The database runs in embedded mode using the ncruces/go-sqlite3 driver
// with WAL enabled so readers are never blocked by the background workers.
//
// Crash recovery: queue entries left in_progress by a previous process are
// reset to pending on Open, so no entry is ever stranded without an owning
// retry path.
package syncdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with sync-engine specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before use.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other libraries that expect *sql.DB.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the filesystem path of the database file.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
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

// InitSchema creates the sync bookkeeping schema if it doesn't exist.
//
// This is idempotent - safe to call multiple times. It also performs crash
// recovery: queue entries stuck in_progress are reset to pending.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Engine identity (one row), survives restart and reinstall of remote state
	CREATE TABLE IF NOT EXISTS sync_engine_info (
		source_id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	-- Per-record sync metadata
	CREATE TABLE IF NOT EXISTS sync_row_meta (
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		sync_version INTEGER NOT NULL DEFAULT 0,
		is_dirty INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		last_synced_at TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (table_name, record_id)
	);

	-- Durable ordered log of pending local operations
	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		op TEXT NOT NULL CHECK (op IN ('insert','update','delete')),
		payload TEXT,
		base_version INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','in_progress','completed','failed')),
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		synced_at TEXT
	);

	-- Per-table pull cursor and sync timestamps
	CREATE TABLE IF NOT EXISTS sync_status (
		table_name TEXT PRIMARY KEY,
		cursor TEXT NOT NULL DEFAULT '',
		last_full_sync TEXT,
		last_incremental_sync TEXT,
		last_push_sync TEXT,
		updated_at TEXT NOT NULL
	);

	-- Conflict log: audit record of every detected collision
	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		local_version INTEGER NOT NULL,
		remote_version INTEGER NOT NULL,
		local_payload TEXT,
		remote_payload TEXT,
		status TEXT NOT NULL DEFAULT 'detected'
			CHECK (status IN ('detected','resolved','superseded')),
		resolution TEXT
			CHECK (resolution IN ('local_wins','remote_wins','merged','manual') OR resolution IS NULL),
		resolved_payload TEXT,
		created_at TEXT NOT NULL,
		resolved_at TEXT,
		resolved_by TEXT
	);

	-- Generic document store backing the default codec
	CREATE TABLE IF NOT EXISTS records (
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (table_name, record_id)
	);

	-- Indexes for worker queries
	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_record ON sync_queue(table_name, record_id, id);
	CREATE INDEX IF NOT EXISTS idx_queue_attempt ON sync_queue(status, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_meta_dirty ON sync_row_meta(table_name, is_dirty);
	CREATE INDEX IF NOT EXISTS idx_conflicts_open ON sync_conflicts(status, table_name);
	CREATE INDEX IF NOT EXISTS idx_conflicts_record ON sync_conflicts(table_name, record_id, id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := db.RecoverInFlight(ctx); err != nil {
		return err
	}

	return nil
}

// RecoverInFlight resets queue entries left in_progress by a crashed process
// back to pending so they are retried. Idempotent.
func (db *DB) RecoverInFlight(ctx context.Context) error {
	query := `
	UPDATE sync_queue
	SET status = 'pending', next_attempt_at = ?
	WHERE status = 'in_progress'
	`
	if _, err := db.conn.ExecContext(ctx, query, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to recover in-flight queue entries: %w", err)
	}
	return nil
}

// SourceID returns the persistent identity of this engine instance,
// generating and storing one on first call.
//
// The source ID is attached to every push so the cloud endpoint can
// de-duplicate redelivered operations by (source, record, expected version).
func (db *DB) SourceID(ctx context.Context) (string, error) {
	var id string
	err := db.conn.QueryRowContext(ctx, `SELECT source_id FROM sync_engine_info LIMIT 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to query engine info: %w", err)
	}

	id = uuid.New().String()
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO sync_engine_info (source_id, created_at) VALUES (?, ?)`,
		id, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to persist source id: %w", err)
	}
	return id, nil
}

// BeginTx starts a transaction on the underlying connection.
func (db *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// formatTime renders a timestamp in the canonical storage format.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp. Zero time on empty input.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// timeToNullString converts an optional timestamp for storage.
func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

package syncdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TableStatus is the durable per-table cursor and timestamp row.
type TableStatus struct {
	Table               string
	Cursor              string
	LastFullSync        time.Time
	LastIncrementalSync time.Time
	LastPushSync        time.Time
	UpdatedAt           time.Time
}

// ensureStatusRow creates the status row for a table if missing.
func (db *DB) ensureStatusRow(ctx context.Context, table string) error {
	query := `
	INSERT INTO sync_status (table_name, updated_at)
	VALUES (?, ?)
	ON CONFLICT(table_name) DO NOTHING
	`
	if _, err := db.conn.ExecContext(ctx, query, table, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to ensure status row for %s: %w", table, err)
	}
	return nil
}

// GetCursor returns the pull cursor for a table. An empty cursor means the
// table has never been pulled.
func (db *DB) GetCursor(ctx context.Context, table string) (string, error) {
	var cursor string
	err := db.conn.QueryRowContext(ctx,
		`SELECT cursor FROM sync_status WHERE table_name = ?`, table).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor for %s: %w", table, err)
	}
	return cursor, nil
}

// AdvanceCursorTx moves the pull cursor forward inside the caller's
// transaction, so cursor advancement commits atomically with the batch of
// remote changes it covers. A crash before commit re-processes the batch,
// which the apply path tolerates by design.
func (db *DB) AdvanceCursorTx(ctx context.Context, tx *sql.Tx, table, cursor string) error {
	now := formatTime(time.Now())
	query := `
	INSERT INTO sync_status (table_name, cursor, last_incremental_sync, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(table_name) DO UPDATE SET
		cursor = excluded.cursor,
		last_incremental_sync = excluded.last_incremental_sync,
		updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, table, cursor, now, now); err != nil {
		return fmt.Errorf("failed to advance cursor for %s: %w", table, err)
	}
	return nil
}

// ResetCursorTx clears the cursor ahead of a full resync.
func (db *DB) ResetCursorTx(ctx context.Context, tx *sql.Tx, table string) error {
	now := formatTime(time.Now())
	query := `
	INSERT INTO sync_status (table_name, cursor, updated_at)
	VALUES (?, '', ?)
	ON CONFLICT(table_name) DO UPDATE SET
		cursor = '',
		updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, table, now); err != nil {
		return fmt.Errorf("failed to reset cursor for %s: %w", table, err)
	}
	return nil
}

// StampPushSync records a completed push cycle for a table.
func (db *DB) StampPushSync(ctx context.Context, table string) error {
	if err := db.ensureStatusRow(ctx, table); err != nil {
		return err
	}
	now := formatTime(time.Now())
	query := `
	UPDATE sync_status SET last_push_sync = ?, updated_at = ? WHERE table_name = ?
	`
	if _, err := db.conn.ExecContext(ctx, query, now, now, table); err != nil {
		return fmt.Errorf("failed to stamp push sync for %s: %w", table, err)
	}
	return nil
}

// StampFullSyncTx records a completed full resync inside the caller's
// transaction.
func (db *DB) StampFullSyncTx(ctx context.Context, tx *sql.Tx, table string) error {
	now := formatTime(time.Now())
	query := `
	UPDATE sync_status SET last_full_sync = ?, updated_at = ? WHERE table_name = ?
	`
	if _, err := tx.ExecContext(ctx, query, now, now, table); err != nil {
		return fmt.Errorf("failed to stamp full sync for %s: %w", table, err)
	}
	return nil
}

// GetTableStatus returns the durable status row for a table. A zero-valued
// row is returned for tables that have never synced.
func (db *DB) GetTableStatus(ctx context.Context, table string) (TableStatus, error) {
	query := `
	SELECT cursor, last_full_sync, last_incremental_sync, last_push_sync, updated_at
	FROM sync_status
	WHERE table_name = ?
	`
	ts := TableStatus{Table: table}
	var full, incr, push sql.NullString
	var updatedAt string
	err := db.conn.QueryRowContext(ctx, query, table).Scan(
		&ts.Cursor, &full, &incr, &push, &updatedAt)
	if err == sql.ErrNoRows {
		return ts, nil
	}
	if err != nil {
		return TableStatus{}, fmt.Errorf("failed to read status for %s: %w", table, err)
	}
	ts.LastFullSync = parseTime(full.String)
	ts.LastIncrementalSync = parseTime(incr.String)
	ts.LastPushSync = parseTime(push.String)
	ts.UpdatedAt = parseTime(updatedAt)
	return ts, nil
}

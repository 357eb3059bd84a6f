package syncdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/adrata/desktop-sync/internal/record"
)

// GetMetaTx reads a record's sync metadata inside the caller's transaction.
// Returns record.ErrNotFound if the record was never tracked.
func (db *DB) GetMetaTx(ctx context.Context, tx *sql.Tx, table, recordID string) (record.Meta, error) {
	query := `
	SELECT sync_version, is_dirty, deleted, last_synced_at, updated_at
	FROM sync_row_meta
	WHERE table_name = ? AND record_id = ?
	`
	var m record.Meta
	var dirty, deleted int
	var lastSynced sql.NullString
	var updatedAt string
	err := tx.QueryRowContext(ctx, query, table, recordID).Scan(
		&m.SyncVersion, &dirty, &deleted, &lastSynced, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Meta{}, record.ErrNotFound
	}
	if err != nil {
		return record.Meta{}, fmt.Errorf("failed to read meta for %s/%s: %w", table, recordID, err)
	}
	m.Table = table
	m.RecordID = recordID
	m.IsDirty = dirty != 0
	m.Deleted = deleted != 0
	m.LastSyncedAt = parseTime(lastSynced.String)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

// GetMeta reads a record's sync metadata outside a transaction.
func (db *DB) GetMeta(ctx context.Context, table, recordID string) (record.Meta, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return record.Meta{}, err
	}
	defer tx.Rollback()
	return db.GetMetaTx(ctx, tx, table, recordID)
}

// BumpVersionTx stamps a local mutation on the record's metadata: increments
// sync_version, sets the dirty flag, and records deletion for delete ops.
// Returns the version prior to the bump (the push precondition).
//
// Creates the meta row on first mutation of a record, starting from
// version 0 so the first accepted mutation yields version 1.
func (db *DB) BumpVersionTx(ctx context.Context, tx *sql.Tx, table, recordID string, kind record.OpKind) (int64, error) {
	now := formatTime(time.Now())
	deleted := 0
	if kind == record.OpDelete {
		deleted = 1
	}

	query := `
	INSERT INTO sync_row_meta (table_name, record_id, sync_version, is_dirty, deleted, updated_at)
	VALUES (?, ?, 1, 1, ?, ?)
	ON CONFLICT(table_name, record_id) DO UPDATE SET
		sync_version = sync_version + 1,
		is_dirty = 1,
		deleted = excluded.deleted,
		updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, table, recordID, deleted, now); err != nil {
		return 0, fmt.Errorf("failed to bump version for %s/%s: %w", table, recordID, err)
	}

	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT sync_version FROM sync_row_meta WHERE table_name = ? AND record_id = ?`,
		table, recordID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read bumped version for %s/%s: %w", table, recordID, err)
	}
	return version - 1, nil
}

// MarkSyncedTx records a successful push of the record's head queue entry.
// The dirty flag is cleared only when no further outbound entries remain.
func (db *DB) MarkSyncedTx(ctx context.Context, tx *sql.Tx, table, recordID string, clearDirty bool) error {
	now := formatTime(time.Now())
	query := `
	UPDATE sync_row_meta
	SET is_dirty = CASE WHEN ? THEN 0 ELSE is_dirty END,
		last_synced_at = ?,
		updated_at = ?
	WHERE table_name = ? AND record_id = ?
	`
	if _, err := tx.ExecContext(ctx, query, clearDirty, now, now, table, recordID); err != nil {
		return fmt.Errorf("failed to mark %s/%s synced: %w", table, recordID, err)
	}
	return nil
}

// SetRemoteVersionTx aligns a record's metadata with an applied remote
// change: sync_version becomes the remote version, the dirty flag is
// cleared, and last_synced_at is stamped.
func (db *DB) SetRemoteVersionTx(ctx context.Context, tx *sql.Tx, table, recordID string, version int64, deleted bool) error {
	now := formatTime(time.Now())
	del := 0
	if deleted {
		del = 1
	}
	query := `
	INSERT INTO sync_row_meta (table_name, record_id, sync_version, is_dirty, deleted, last_synced_at, updated_at)
	VALUES (?, ?, ?, 0, ?, ?, ?)
	ON CONFLICT(table_name, record_id) DO UPDATE SET
		sync_version = excluded.sync_version,
		is_dirty = 0,
		deleted = excluded.deleted,
		last_synced_at = excluded.last_synced_at,
		updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, table, recordID, version, del, now, now); err != nil {
		return fmt.Errorf("failed to set remote version for %s/%s: %w", table, recordID, err)
	}
	return nil
}

// SetLocalVersionTx rewrites a record's version while keeping it dirty.
// Used by local-wins and merge resolutions, which rebase the local state on
// the remote's newer version before re-pushing.
func (db *DB) SetLocalVersionTx(ctx context.Context, tx *sql.Tx, table, recordID string, version int64) error {
	now := formatTime(time.Now())
	query := `
	UPDATE sync_row_meta
	SET sync_version = ?, is_dirty = 1, updated_at = ?
	WHERE table_name = ? AND record_id = ?
	`
	if _, err := tx.ExecContext(ctx, query, version, now, table, recordID); err != nil {
		return fmt.Errorf("failed to set local version for %s/%s: %w", table, recordID, err)
	}
	return nil
}

// MetaCounts holds derived per-table record counters.
type MetaCounts struct {
	Total int
	Dirty int
}

// MetaCountsForTable counts tracked and dirty records for one table.
func (db *DB) MetaCountsForTable(ctx context.Context, table string) (MetaCounts, error) {
	var c MetaCounts
	var dirty sql.NullInt64
	query := `
	SELECT COUNT(*), SUM(is_dirty)
	FROM sync_row_meta
	WHERE table_name = ? AND deleted = 0
	`
	if err := db.conn.QueryRowContext(ctx, query, table).Scan(&c.Total, &dirty); err != nil {
		return MetaCounts{}, fmt.Errorf("failed to count records for %s: %w", table, err)
	}
	c.Dirty = int(dirty.Int64)
	return c, nil
}

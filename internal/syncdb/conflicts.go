package syncdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Conflict statuses. A conflict is never silently deleted: it stays in the
// log as an audit record until the retention cleanup removes it long after
// resolution.
const (
	ConflictDetected   = "detected"
	ConflictResolved   = "resolved"
	ConflictSuperseded = "superseded"
)

// Resolution strategies recorded on a resolved conflict.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
	ResolutionMerged     = "merged"
	ResolutionManual     = "manual"
)

// ErrConflictNotFound is returned when a conflict id does not exist.
var ErrConflictNotFound = errors.New("conflict not found")

// Conflict captures a detected collision between a dirty local record and an
// incoming remote change, pairing both full snapshots.
type Conflict struct {
	ID              int64
	Table           string
	RecordID        string
	LocalVersion    int64
	RemoteVersion   int64
	LocalPayload    json.RawMessage
	RemotePayload   json.RawMessage
	Status          string
	Resolution      string
	ResolvedPayload json.RawMessage
	CreatedAt       time.Time
	ResolvedAt      time.Time
	ResolvedBy      string
}

// InsertConflictTx records a new detected conflict inside the caller's
// transaction and returns its id.
func (db *DB) InsertConflictTx(ctx context.Context, tx *sql.Tx, c *Conflict) (int64, error) {
	query := `
	INSERT INTO sync_conflicts (table_name, record_id, local_version, remote_version,
		local_payload, remote_payload, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, 'detected', ?)
	`
	res, err := tx.ExecContext(ctx, query,
		c.Table, c.RecordID, c.LocalVersion, c.RemoteVersion,
		payloadToNullString(c.LocalPayload), payloadToNullString(c.RemotePayload),
		formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to insert conflict for %s/%s: %w", c.Table, c.RecordID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read conflict id: %w", err)
	}
	return id, nil
}

// GetConflict returns a conflict by id.
func (db *DB) GetConflict(ctx context.Context, id int64) (*Conflict, error) {
	query := conflictSelect + ` WHERE id = ?`
	row := db.conn.QueryRowContext(ctx, query, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflictNotFound
	}
	return c, err
}

// OpenConflictTx returns the unresolved conflict for a record inside the
// caller's transaction, or nil if there is none. At most one conflict per
// record is in detected state at any time.
func (db *DB) OpenConflictTx(ctx context.Context, tx *sql.Tx, table, recordID string) (*Conflict, error) {
	query := conflictSelect + `
	WHERE table_name = ? AND record_id = ? AND status = 'detected'
	ORDER BY id DESC LIMIT 1`
	row := tx.QueryRowContext(ctx, query, table, recordID)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListUnresolved returns all detected conflicts, oldest first. This is the
// conflict inbox surfaced to the UI.
func (db *DB) ListUnresolved(ctx context.Context) ([]*Conflict, error) {
	query := conflictSelect + ` WHERE status = 'detected' ORDER BY id ASC`
	return db.queryConflicts(ctx, query)
}

// ListUnresolvedForTable returns detected conflicts for one table.
func (db *DB) ListUnresolvedForTable(ctx context.Context, table string) ([]*Conflict, error) {
	query := conflictSelect + ` WHERE status = 'detected' AND table_name = ? ORDER BY id ASC`
	return db.queryConflicts(ctx, query, table)
}

// CountUnresolvedForTable counts detected conflicts for one table.
func (db *DB) CountUnresolvedForTable(ctx context.Context, table string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts WHERE status = 'detected' AND table_name = ?`,
		table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts for %s: %w", table, err)
	}
	return count, nil
}

// ResolveConflictTx marks a conflict resolved inside the caller's
// transaction, recording the strategy, the resulting snapshot, and who
// resolved it. Returns ErrConflictNotFound if the conflict is not in
// detected state (resolution is applied exactly once).
func (db *DB) ResolveConflictTx(ctx context.Context, tx *sql.Tx, id int64, resolution string, resolved json.RawMessage, resolvedBy string) error {
	query := `
	UPDATE sync_conflicts
	SET status = 'resolved', resolution = ?, resolved_payload = ?,
		resolved_at = ?, resolved_by = ?
	WHERE id = ? AND status = 'detected'
	`
	res, err := tx.ExecContext(ctx, query,
		resolution, payloadToNullString(resolved), formatTime(time.Now()), resolvedBy, id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check conflict resolution: %w", err)
	}
	if n == 0 {
		return ErrConflictNotFound
	}
	return nil
}

// SupersedeConflictTx marks an unresolved conflict superseded by a newer
// remote change. The snapshots stay in the log for audit.
func (db *DB) SupersedeConflictTx(ctx context.Context, tx *sql.Tx, id int64) error {
	query := `
	UPDATE sync_conflicts
	SET status = 'superseded', resolved_at = ?, resolved_by = 'engine'
	WHERE id = ? AND status = 'detected'
	`
	if _, err := tx.ExecContext(ctx, query, formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("failed to supersede conflict %d: %w", id, err)
	}
	return nil
}

// ConflictStats aggregates the conflict log by outcome.
type ConflictStats struct {
	Total      int
	Unresolved int
	LocalWins  int
	RemoteWins int
	Merged     int
	Manual     int
	Superseded int
}

// ConflictStatistics returns aggregate counts over the conflict log.
func (db *DB) ConflictStatistics(ctx context.Context) (ConflictStats, error) {
	query := `
	SELECT
		COUNT(*),
		SUM(CASE WHEN status = 'detected' THEN 1 ELSE 0 END),
		SUM(CASE WHEN resolution = 'local_wins' THEN 1 ELSE 0 END),
		SUM(CASE WHEN resolution = 'remote_wins' THEN 1 ELSE 0 END),
		SUM(CASE WHEN resolution = 'merged' THEN 1 ELSE 0 END),
		SUM(CASE WHEN resolution = 'manual' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'superseded' THEN 1 ELSE 0 END)
	FROM sync_conflicts
	`
	var s ConflictStats
	var unresolved, local, remote, merged, manual, superseded sql.NullInt64
	err := db.conn.QueryRowContext(ctx, query).Scan(
		&s.Total, &unresolved, &local, &remote, &merged, &manual, &superseded)
	if err != nil {
		return ConflictStats{}, fmt.Errorf("failed to query conflict statistics: %w", err)
	}
	s.Unresolved = int(unresolved.Int64)
	s.LocalWins = int(local.Int64)
	s.RemoteWins = int(remote.Int64)
	s.Merged = int(merged.Int64)
	s.Manual = int(manual.Int64)
	s.Superseded = int(superseded.Int64)
	return s, nil
}

// CleanupResolvedConflicts deletes resolved and superseded conflicts older
// than the retention window.
func (db *DB) CleanupResolvedConflicts(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	query := `
	DELETE FROM sync_conflicts
	WHERE status != 'detected' AND resolved_at < ?
	`
	res, err := db.conn.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up resolved conflicts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned conflicts: %w", err)
	}
	return int(n), nil
}

const conflictSelect = `
	SELECT id, table_name, record_id, local_version, remote_version,
		local_payload, remote_payload, status, resolution, resolved_payload,
		created_at, resolved_at, resolved_by
	FROM sync_conflicts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var c Conflict
	var localPayload, remotePayload, resolution, resolvedPayload, resolvedAt, resolvedBy sql.NullString
	var createdAt string
	err := row.Scan(&c.ID, &c.Table, &c.RecordID, &c.LocalVersion, &c.RemoteVersion,
		&localPayload, &remotePayload, &c.Status, &resolution, &resolvedPayload,
		&createdAt, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}
	if localPayload.Valid {
		c.LocalPayload = json.RawMessage(localPayload.String)
	}
	if remotePayload.Valid {
		c.RemotePayload = json.RawMessage(remotePayload.String)
	}
	c.Resolution = resolution.String
	if resolvedPayload.Valid {
		c.ResolvedPayload = json.RawMessage(resolvedPayload.String)
	}
	c.CreatedAt = parseTime(createdAt)
	c.ResolvedAt = parseTime(resolvedAt.String)
	c.ResolvedBy = resolvedBy.String
	return &c, nil
}

func (db *DB) queryConflicts(ctx context.Context, query string, args ...any) ([]*Conflict, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflicts: %w", err)
	}
	return conflicts, nil
}

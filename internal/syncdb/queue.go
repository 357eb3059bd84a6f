package syncdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adrata/desktop-sync/internal/record"
)

// Queue entry statuses. An entry never transitions from completed back to
// pending; failed entries move again only through RetryFailed (explicit
// operator action) or the push worker's backoff rescheduling.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// QueueEntry is one durable pending local operation.
type QueueEntry struct {
	ID            int64
	Table         string
	RecordID      string
	Op            record.OpKind
	Payload       json.RawMessage
	BaseVersion   int64
	Status        string
	RetryCount    int
	ErrorMessage  string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	SyncedAt      time.Time
}

// EnqueueTx appends an outbound queue entry inside the caller's transaction.
//
// baseVersion is the record's sync_version immediately prior to the local
// change; the push worker sends it as the optimistic-concurrency
// precondition.
func (db *DB) EnqueueTx(ctx context.Context, tx *sql.Tx, op record.Op, baseVersion int64) (int64, error) {
	now := time.Now()
	query := `
	INSERT INTO sync_queue (table_name, record_id, op, payload, base_version,
		status, next_attempt_at, created_at)
	VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
	`
	res, err := tx.ExecContext(ctx, query,
		op.Table, op.RecordID, string(op.Kind), payloadToNullString(op.Payload),
		baseVersion, formatTime(now), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s for %s/%s: %w", op.Kind, op.Table, op.RecordID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue entry id: %w", err)
	}
	return id, nil
}

// ClaimPending atomically selects up to limit due entries and marks them
// in_progress, returning them in creation order.
//
// Only the oldest non-completed entry per record is eligible, which preserves
// per-record push order and blocks a record's later entries behind an earlier
// failed one instead of pushing them out of order.
func (db *DB) ClaimPending(ctx context.Context, limit int) ([]QueueEntry, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
	SELECT id, table_name, record_id, op, payload, base_version, status,
		retry_count, error_message, next_attempt_at, created_at, synced_at
	FROM sync_queue e
	WHERE e.status = 'pending'
	  AND e.next_attempt_at <= ?
	  AND NOT EXISTS (
		SELECT 1 FROM sync_queue o
		WHERE o.table_name = e.table_name
		  AND o.record_id = e.record_id
		  AND o.id < e.id
		  AND o.status != 'completed'
	  )
	ORDER BY e.id ASC
	LIMIT ?
	`
	rows, err := tx.QueryContext(ctx, query, formatTime(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'in_progress' WHERE id = ?`,
			entries[i].ID); err != nil {
			return nil, fmt.Errorf("failed to claim entry %d: %w", entries[i].ID, err)
		}
		entries[i].Status = StatusInProgress
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return entries, nil
}

// MarkCompletedTx marks an entry completed inside the caller's transaction.
func (db *DB) MarkCompletedTx(ctx context.Context, tx *sql.Tx, id int64) error {
	query := `
	UPDATE sync_queue
	SET status = 'completed', synced_at = ?, error_message = NULL
	WHERE id = ? AND status != 'completed'
	`
	if _, err := tx.ExecContext(ctx, query, formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("failed to mark entry %d completed: %w", id, err)
	}
	return nil
}

// Reschedule returns an in_progress entry to pending with an incremented
// retry counter and the given next attempt time. Used for transient push
// failures.
func (db *DB) Reschedule(ctx context.Context, id int64, nextAttempt time.Time, errMsg string) error {
	query := `
	UPDATE sync_queue
	SET status = 'pending', retry_count = retry_count + 1,
		error_message = ?, next_attempt_at = ?
	WHERE id = ?
	`
	if _, err := db.conn.ExecContext(ctx, query, errMsg, formatTime(nextAttempt), id); err != nil {
		return fmt.Errorf("failed to reschedule entry %d: %w", id, err)
	}
	return nil
}

// MarkFailed quarantines an entry after the retry ceiling or a
// non-retryable rejection. The entry stays visible for manual inspection.
func (db *DB) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	query := `
	UPDATE sync_queue
	SET status = 'failed', retry_count = retry_count + 1, error_message = ?
	WHERE id = ?
	`
	if _, err := db.conn.ExecContext(ctx, query, errMsg, id); err != nil {
		return fmt.Errorf("failed to mark entry %d failed: %w", id, err)
	}
	return nil
}

// DiscardOutstandingTx deletes all pending, in_progress, and failed entries
// for a record inside the caller's transaction. Used when a remote-wins
// resolution makes the record's queued local history moot; the conflict log
// retains the audit trail.
func (db *DB) DiscardOutstandingTx(ctx context.Context, tx *sql.Tx, table, recordID string) error {
	query := `
	DELETE FROM sync_queue
	WHERE table_name = ? AND record_id = ? AND status != 'completed'
	`
	if _, err := tx.ExecContext(ctx, query, table, recordID); err != nil {
		return fmt.Errorf("failed to discard outstanding entries for %s/%s: %w", table, recordID, err)
	}
	return nil
}

// OutstandingCountTx counts non-completed entries for a record inside the
// caller's transaction.
func (db *DB) OutstandingCountTx(ctx context.Context, tx *sql.Tx, table, recordID string) (int, error) {
	var count int
	query := `
	SELECT COUNT(*) FROM sync_queue
	WHERE table_name = ? AND record_id = ? AND status != 'completed'
	`
	if err := tx.QueryRowContext(ctx, query, table, recordID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outstanding entries for %s/%s: %w", table, recordID, err)
	}
	return count, nil
}

// EntriesForRecord returns all queue entries for a record in creation order.
func (db *DB) EntriesForRecord(ctx context.Context, table, recordID string) ([]QueueEntry, error) {
	query := `
	SELECT id, table_name, record_id, op, payload, base_version, status,
		retry_count, error_message, next_attempt_at, created_at, synced_at
	FROM sync_queue
	WHERE table_name = ? AND record_id = ?
	ORDER BY id ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, table, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries for %s/%s: %w", table, recordID, err)
	}
	return scanEntries(rows)
}

// ListFailed returns quarantined entries for manual inspection, oldest first.
func (db *DB) ListFailed(ctx context.Context) ([]QueueEntry, error) {
	query := `
	SELECT id, table_name, record_id, op, payload, base_version, status,
		retry_count, error_message, next_attempt_at, created_at, synced_at
	FROM sync_queue
	WHERE status = 'failed'
	ORDER BY id ASC
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed entries: %w", err)
	}
	return scanEntries(rows)
}

// RetryFailed returns failed entries (below the given retry ceiling, or all
// when ceiling <= 0) to pending for another round of push attempts.
// Returns the number of entries rescheduled.
func (db *DB) RetryFailed(ctx context.Context, ceiling int) (int, error) {
	query := `
	UPDATE sync_queue
	SET status = 'pending', error_message = NULL, next_attempt_at = ?
	WHERE status = 'failed' AND (? <= 0 OR retry_count < ?)
	`
	res, err := db.conn.ExecContext(ctx, query, formatTime(time.Now()), ceiling, ceiling)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count retried entries: %w", err)
	}
	return int(n), nil
}

// CleanupCompleted deletes completed entries older than the retention window.
func (db *DB) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	query := `
	DELETE FROM sync_queue
	WHERE status = 'completed' AND synced_at < ?
	`
	res, err := db.conn.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up completed entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned entries: %w", err)
	}
	return int(n), nil
}

// QueueStats aggregates queue entry counts by status.
type QueueStats struct {
	Total      int
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

// QueueHealth classifies the queue by its failure rate.
type QueueHealth string

const (
	QueueHealthy  QueueHealth = "healthy"
	QueueWarning  QueueHealth = "warning"
	QueueCritical QueueHealth = "critical"
)

// Health returns the queue health bucket: warning above 5% failed,
// critical above 10%.
func (s QueueStats) Health() QueueHealth {
	if s.Total == 0 {
		return QueueHealthy
	}
	rate := float64(s.Failed) / float64(s.Total)
	switch {
	case rate >= 0.10:
		return QueueCritical
	case rate >= 0.05:
		return QueueWarning
	default:
		return QueueHealthy
	}
}

// Stats returns aggregate queue statistics.
func (db *DB) Stats(ctx context.Context) (QueueStats, error) {
	return db.statsWhere(ctx, "", nil)
}

// StatsForTable returns queue statistics for one table.
func (db *DB) StatsForTable(ctx context.Context, table string) (QueueStats, error) {
	return db.statsWhere(ctx, "WHERE table_name = ?", []any{table})
}

func (db *DB) statsWhere(ctx context.Context, where string, args []any) (QueueStats, error) {
	query := fmt.Sprintf(`
	SELECT
		COUNT(*),
		SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
	FROM sync_queue %s
	`, where)

	var stats QueueStats
	var pending, inProgress, completed, failed sql.NullInt64
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &pending, &inProgress, &completed, &failed)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to query queue stats: %w", err)
	}
	stats.Pending = int(pending.Int64)
	stats.InProgress = int(inProgress.Int64)
	stats.Completed = int(completed.Int64)
	stats.Failed = int(failed.Int64)
	return stats, nil
}

func scanEntries(rows *sql.Rows) ([]QueueEntry, error) {
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var op string
		var payload, errMsg, syncedAt sql.NullString
		var nextAttempt, createdAt string
		if err := rows.Scan(&e.ID, &e.Table, &e.RecordID, &op, &payload,
			&e.BaseVersion, &e.Status, &e.RetryCount, &errMsg,
			&nextAttempt, &createdAt, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Op = record.OpKind(op)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.ErrorMessage = errMsg.String
		e.NextAttemptAt = parseTime(nextAttempt)
		e.CreatedAt = parseTime(createdAt)
		e.SyncedAt = parseTime(syncedAt.String)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue entries: %w", err)
	}
	return entries, nil
}

func payloadToNullString(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

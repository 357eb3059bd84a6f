package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/adrata/desktop-sync/internal/record"
	"github.com/adrata/desktop-sync/internal/remote"
	"github.com/adrata/desktop-sync/internal/syncdb"
)

// runPull is the pull worker loop: every interval it pulls each registered
// table's remote change stream from its cursor.
func (e *Engine) runPull(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, table := range e.registry.Tables() {
			var report Report
			start := time.Now()
			if err := e.pullTable(ctx, table, &report); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Printf("Pull of %s failed: %v", table, err)
				continue
			}
			if report.Pulled > 0 || report.Conflicts > 0 {
				e.logger.Printf("Pulled %d changes for %s (%d conflicts, %d auto-resolved)",
					report.Pulled, table, report.Conflicts, report.Resolved)
				if e.events != nil {
					e.events.OnPullComplete(table, report.Pulled, time.Since(start))
				}
			}
		}
	}
}

// pullTable drains a table's remote change stream from its durable cursor.
//
// Each batch is applied in a single transaction together with the cursor
// advance, so a crash never loses the position without also rolling back the
// batch; re-pulling an already-applied batch is harmless because applies are
// idempotent and conflict recording de-duplicates.
func (e *Engine) pullTable(ctx context.Context, table string, report *Report) error {
	codec, err := e.registry.Lookup(table)
	if err != nil {
		return err
	}

	for {
		cursor, err := e.db.GetCursor(ctx, table)
		if err != nil {
			return err
		}

		batch, err := e.client.Pull(ctx, table, cursor, e.cfg.PullBatchSize)
		if err != nil {
			return err
		}
		if len(batch.Changes) == 0 && !batch.HasMore {
			return nil
		}

		conflictIDs, err := e.applyBatch(ctx, table, codec, batch, report)
		if err != nil {
			return err
		}

		// Auto-resolution runs after the batch commit so each resolution
		// gets its own transaction and record lock.
		for _, id := range conflictIDs {
			e.emitConflict(ctx, id, false)
			resolved, err := e.resolver.TryAutoResolve(ctx, id)
			if err != nil {
				e.logger.Printf("Auto-resolution of conflict %d failed: %v", id, err)
				continue
			}
			if resolved {
				report.Resolved++
				e.emitConflict(ctx, id, true)
			}
		}

		if !batch.HasMore {
			return nil
		}
	}
}

// applyBatch applies one pull batch and advances the cursor in a single
// transaction. Returns the ids of conflicts recorded for this batch.
func (e *Engine) applyBatch(ctx context.Context, table string, codec record.Codec, batch *remote.PullBatch, report *Report) ([]int64, error) {
	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var conflictIDs []int64
	for _, change := range batch.Changes {
		id, err := e.applyChange(ctx, tx, table, codec, change, report)
		if err != nil {
			return nil, fmt.Errorf("failed to apply change %s/%s@%d: %w",
				table, change.RecordID, change.Version, err)
		}
		if id != 0 {
			conflictIDs = append(conflictIDs, id)
		}
	}

	if batch.NextCursor != "" {
		if err := e.db.AdvanceCursorTx(ctx, tx, table, batch.NextCursor); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pull batch for %s: %w", table, err)
	}
	return conflictIDs, nil
}

// applyChange applies one remote change inside the batch transaction.
//
// Clean records take the remote state directly. Dirty records are never
// overwritten: the change is captured as a conflict instead. Changes at or
// below the locally known version of a clean record are redeliveries and
// are skipped. Returns a non-zero conflict id when one was recorded.
func (e *Engine) applyChange(ctx context.Context, tx *sql.Tx, table string, codec record.Codec, change remote.Change, report *Report) (int64, error) {
	unlock := e.locks.Lock(table, change.RecordID)
	defer unlock()

	meta, err := e.db.GetMetaTx(ctx, tx, table, change.RecordID)
	known := true
	if errors.Is(err, record.ErrNotFound) {
		known = false
	} else if err != nil {
		return 0, err
	}

	if known && meta.IsDirty {
		local, err := codec.Snapshot(ctx, tx, change.RecordID)
		if err != nil && !errors.Is(err, record.ErrNotFound) {
			return 0, err
		}
		id, err := e.resolver.Record(ctx, tx, &syncdb.Conflict{
			Table:         table,
			RecordID:      change.RecordID,
			LocalVersion:  meta.SyncVersion,
			RemoteVersion: change.Version,
			LocalPayload:  local,
			RemotePayload: change.Payload,
		})
		if err != nil {
			return 0, err
		}
		report.Conflicts++
		return id, nil
	}

	if known && change.Version <= meta.SyncVersion {
		// Redelivery of a change this engine already has (possibly its own
		// accepted push echoed back). Applying again would be a no-op.
		return 0, nil
	}

	kind := record.OpUpdate
	if change.Deleted {
		kind = record.OpDelete
	}
	if err := codec.Apply(ctx, tx, change.RecordID, kind, change.Payload); err != nil {
		return 0, err
	}
	if err := e.db.SetRemoteVersionTx(ctx, tx, table, change.RecordID, change.Version, change.Deleted); err != nil {
		return 0, err
	}
	report.Pulled++
	return 0, nil
}

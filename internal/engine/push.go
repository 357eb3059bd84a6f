package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/adrata/desktop-sync/internal/record"
	"github.com/adrata/desktop-sync/internal/remote"
	"github.com/adrata/desktop-sync/internal/syncdb"
)

// runPush is the push worker loop. It drains due queue entries, then sleeps
// until the tracker signals new work or the poll interval elapses. The poll
// interval also picks up entries whose backoff delay has expired.
func (e *Engine) runPush(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PushInterval)
	defer ticker.Stop()

	for {
		var report Report
		start := time.Now()
		worked := false
		for {
			n, err := e.pushBatch(ctx, &report)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Printf("Push cycle failed: %v", err)
				break
			}
			if n == 0 {
				break
			}
			worked = true
		}
		if worked && e.events != nil {
			e.events.OnPushComplete(report.Pushed, report.PushRetried, report.PushFailed, time.Since(start))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.tracker.Wake():
		case <-ticker.C:
		}
	}
}

// pushBatch claims one batch of due entries and pushes them in order.
// Returns the number of entries claimed; zero means the queue is drained.
func (e *Engine) pushBatch(ctx context.Context, report *Report) (int, error) {
	entries, err := e.db.ClaimPending(ctx, e.cfg.PushBatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// Local store access past this point runs on a context that survives
	// worker cancellation. Settling with the worker context would fail once
	// it is cancelled, leaving claimed entries in_progress with no owning
	// retry path until the next restart.
	settle := context.WithoutCancel(ctx)

	sourceID, err := e.sourceIdentity(settle)
	if err != nil {
		return 0, err
	}
	batchID := uuid.NewString()

	tables := make(map[string]bool)
	for _, entry := range entries {
		if ctx.Err() != nil {
			// Shutdown mid-batch: claimed entries go straight back to
			// pending.
			if rErr := e.db.Reschedule(settle, entry.ID, time.Now(), "shutdown during push"); rErr != nil {
				e.logger.Printf("Failed to release entry %d on shutdown: %v", entry.ID, rErr)
			}
			continue
		}
		if err := e.pushEntry(ctx, settle, entry, sourceID, batchID, report); err != nil {
			e.logger.Printf("Push of entry %d (%s/%s) failed: %v",
				entry.ID, entry.Table, entry.RecordID, err)
		}
		tables[entry.Table] = true
	}

	for table := range tables {
		if err := e.db.StampPushSync(settle, table); err != nil {
			e.logger.Printf("Failed to stamp push sync for %s: %v", table, err)
		}
	}
	return len(entries), nil
}

// pushEntry sends one queue entry to the endpoint and settles its outcome:
// completed on acceptance, a logged conflict on version mismatch,
// rescheduled with backoff on transient failure, failed on permanent
// rejection or retry exhaustion. Network calls run under the worker
// context; settlement writes run under settle so a cancellation between
// the two never strands the entry in_progress.
func (e *Engine) pushEntry(ctx, settle context.Context, entry syncdb.QueueEntry, sourceID, batchID string, report *Report) error {
	newVersion, err := e.client.Push(ctx, entry.Table, entry.RecordID,
		entry.Op, entry.Payload, entry.BaseVersion, sourceID, batchID)
	if err == nil {
		if newVersion != entry.BaseVersion+1 {
			e.logger.Printf("Endpoint assigned v%d to %s/%s (expected v%d)",
				newVersion, entry.Table, entry.RecordID, entry.BaseVersion+1)
		}
		report.Pushed++
		return e.completeEntry(settle, entry)
	}

	var mismatch *remote.VersionMismatchError
	if errors.As(err, &mismatch) {
		report.Conflicts++
		return e.conflictEntry(ctx, settle, entry, mismatch, report)
	}

	if remote.IsTransient(err) {
		attempt := entry.RetryCount + 1
		if attempt >= e.cfg.RetryCeiling {
			report.PushFailed++
			if mErr := e.db.MarkFailed(settle, entry.ID, err.Error()); mErr != nil {
				return mErr
			}
			e.logger.Printf("Entry %d (%s/%s) quarantined after %d attempts: %v",
				entry.ID, entry.Table, entry.RecordID, attempt, err)
			return nil
		}
		report.PushRetried++
		delay := e.backoff(entry.RetryCount)
		if rErr := e.db.Reschedule(settle, entry.ID, time.Now().Add(delay), err.Error()); rErr != nil {
			return rErr
		}
		e.logger.Printf("Entry %d (%s/%s) transient failure, retry %d in %s: %v",
			entry.ID, entry.Table, entry.RecordID, attempt, delay.Round(time.Millisecond), err)
		return nil
	}

	report.PushFailed++
	if mErr := e.db.MarkFailed(settle, entry.ID, err.Error()); mErr != nil {
		return mErr
	}
	return nil
}

// completeEntry marks an accepted push completed and clears the record's
// dirty flag once nothing else is queued for it.
func (e *Engine) completeEntry(ctx context.Context, entry syncdb.QueueEntry) error {
	unlock := e.locks.Lock(entry.Table, entry.RecordID)
	defer unlock()

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.db.MarkCompletedTx(ctx, tx, entry.ID); err != nil {
		return err
	}
	outstanding, err := e.db.OutstandingCountTx(ctx, tx, entry.Table, entry.RecordID)
	if err != nil {
		return err
	}
	if err := e.db.MarkSyncedTx(ctx, tx, entry.Table, entry.RecordID, outstanding == 0); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit push completion for entry %d: %w", entry.ID, err)
	}
	return nil
}

// conflictEntry records a conflict for a push rejected on its version
// precondition, pairing the current local snapshot with the remote state
// the endpoint returned. The entry is quarantined; resolution either
// discards it (remote wins) or replaces it with a rebased entry.
func (e *Engine) conflictEntry(ctx, settle context.Context, entry syncdb.QueueEntry, mismatch *remote.VersionMismatchError, report *Report) error {
	codec, err := e.registry.Lookup(entry.Table)
	if err != nil {
		return err
	}

	// Endpoints may omit the remote snapshot from the 409 body; fetch it so
	// the logged conflict pairs both sides for review. Best effort: a failed
	// fetch still records the conflict with what the rejection carried.
	remoteVersion := mismatch.CurrentVersion
	remotePayload := mismatch.Payload
	if len(remotePayload) == 0 && !mismatch.Deleted {
		if snap, fErr := e.client.Fetch(ctx, entry.Table, entry.RecordID); fErr == nil {
			remoteVersion = snap.Version
			remotePayload = snap.Payload
		} else {
			e.logger.Printf("Failed to fetch remote snapshot of %s/%s: %v",
				entry.Table, entry.RecordID, fErr)
		}
	}

	unlock := e.locks.Lock(entry.Table, entry.RecordID)

	tx, err := e.db.BeginTx(settle)
	if err != nil {
		unlock()
		return err
	}

	var conflictID int64
	err = func() error {
		meta, err := e.db.GetMetaTx(settle, tx, entry.Table, entry.RecordID)
		if err != nil {
			return err
		}
		local, err := codec.Snapshot(settle, tx, entry.RecordID)
		if err != nil && !errors.Is(err, record.ErrNotFound) {
			return err
		}
		conflictID, err = e.resolver.Record(settle, tx, &syncdb.Conflict{
			Table:         entry.Table,
			RecordID:      entry.RecordID,
			LocalVersion:  meta.SyncVersion,
			RemoteVersion: remoteVersion,
			LocalPayload:  local,
			RemotePayload: remotePayload,
		})
		return err
	}()
	if err != nil {
		tx.Rollback()
		unlock()
		return err
	}
	if err := tx.Commit(); err != nil {
		unlock()
		return fmt.Errorf("failed to commit conflict for entry %d: %w", entry.ID, err)
	}
	unlock()

	if err := e.db.MarkFailed(settle, entry.ID, mismatch.Error()); err != nil {
		return err
	}
	e.logger.Printf("Conflict %d detected on %s/%s (local v%d vs remote v%d)",
		conflictID, entry.Table, entry.RecordID, entry.BaseVersion+1, remoteVersion)
	e.emitConflict(settle, conflictID, false)

	resolved, err := e.resolver.TryAutoResolve(settle, conflictID)
	if err != nil {
		return fmt.Errorf("auto-resolution of conflict %d failed: %w", conflictID, err)
	}
	if resolved {
		report.Resolved++
		e.emitConflict(settle, conflictID, true)
	}
	return nil
}

// backoff returns the delay before the given retry: exponential from the
// base, capped, with 20% jitter to avoid thundering retries after an
// outage.
func (e *Engine) backoff(retryCount int) time.Duration {
	delay := e.cfg.BackoffBase
	for i := 0; i < retryCount && delay < e.cfg.BackoffCap; i++ {
		delay *= 2
	}
	if delay > e.cfg.BackoffCap {
		delay = e.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(2*int64(delay)/5 + 1))
	return delay - delay/5 + jitter
}

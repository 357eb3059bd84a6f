// Package tracker implements the change tracker: the transactional mutation
// hook invoked on every local create/update/delete of a syncable record.
//
// Within a single local transaction the tracker applies the business
// mutation through the record's codec, increments the record's sync_version,
// sets the dirty flag, and appends exactly one outbound queue entry carrying
// a full payload snapshot. If the transaction fails, none of it is
// observable. No network I/O happens here; local writes stay fast and
// available fully offline.
//
// After a successful commit the tracker pokes the push worker through a
// non-blocking wake channel so new changes are pushed promptly without
// busy-polling.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/adrata/desktop-sync/internal/record"
	"github.com/adrata/desktop-sync/internal/syncdb"
)

// Tracker intercepts local mutations and maintains the outbound queue.
type Tracker struct {
	db       *syncdb.DB
	registry *record.Registry
	locks    *syncdb.RecordLocks
	wake     chan struct{}
	logger   *log.Logger
}

// New creates a change tracker.
//
// If logger is nil, a default logger writing to stderr is used.
func New(db *syncdb.DB, registry *record.Registry, locks *syncdb.RecordLocks, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[tracker] ", log.LstdFlags)
	}
	return &Tracker{
		db:       db,
		registry: registry,
		locks:    locks,
		wake:     make(chan struct{}, 1),
		logger:   logger,
	}
}

// Wake returns the channel the push worker selects on to learn about new
// outbound entries.
func (t *Tracker) Wake() <-chan struct{} {
	return t.wake
}

// Apply performs a local mutation end to end: it serializes on the record,
// opens a transaction, applies the business mutation through the table's
// codec, stamps the sync metadata, enqueues the outbound entry, and commits.
//
// A failure anywhere rolls back the business mutation along with the
// bookkeeping (all-or-nothing) and is returned synchronously to the caller.
func (t *Tracker) Apply(ctx context.Context, op record.Op) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	codec, err := t.registry.Lookup(op.Table)
	if err != nil {
		return err
	}

	unlock := t.locks.Lock(op.Table, op.RecordID)
	defer unlock()

	tx, err := t.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := codec.Apply(ctx, tx, op.RecordID, op.Kind, op.Payload); err != nil {
		return fmt.Errorf("failed to apply local mutation: %w", err)
	}

	if err := t.TrackInTx(ctx, tx, op); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit local mutation: %w", err)
	}

	t.logger.Printf("Tracked %s %s/%s", op.Kind, op.Table, op.RecordID)
	t.Notify()
	return nil
}

// TrackInTx stamps the sync metadata and enqueues the outbound entry inside
// the caller's transaction. The caller owns the business mutation, the
// record lock, and the commit, and should call Notify after committing.
func (t *Tracker) TrackInTx(ctx context.Context, tx *sql.Tx, op record.Op) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	baseVersion, err := t.db.BumpVersionTx(ctx, tx, op.Table, op.RecordID, op.Kind)
	if err != nil {
		return err
	}

	if _, err := t.db.EnqueueTx(ctx, tx, op, baseVersion); err != nil {
		return err
	}

	return nil
}

// Notify wakes the push worker. Never blocks; a pending wake-up is enough.
func (t *Tracker) Notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

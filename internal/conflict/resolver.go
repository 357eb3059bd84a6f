package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/adrata/desktop-sync/internal/record"
	"github.com/adrata/desktop-sync/internal/syncdb"
)

// Resolver applies resolution strategies to detected conflicts.
//
// Resolutions that produce a new local state (local wins, merge, manual)
// re-enter the outbound path: the record is rebased onto the remote's
// version and a fresh queue entry is appended, so the resolved state is
// pushed with a precondition the endpoint will accept.
type Resolver struct {
	db       *syncdb.DB
	registry *record.Registry
	locks    *syncdb.RecordLocks
	policies *PolicyStore
	notify   func()
	logger   *log.Logger
}

// NewResolver creates a resolver. notify, when non-nil, is invoked after a
// resolution enqueues new outbound work; wire it to the push worker's
// wake-up.
func NewResolver(db *syncdb.DB, registry *record.Registry, locks *syncdb.RecordLocks, policies *PolicyStore, notify func(), logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	if notify == nil {
		notify = func() {}
	}
	return &Resolver{
		db:       db,
		registry: registry,
		locks:    locks,
		policies: policies,
		notify:   notify,
		logger:   logger,
	}
}

// Record logs a detected conflict inside the caller's transaction and
// returns its id.
//
// If the record already has an unresolved conflict, a redelivered remote
// change at the same version returns the existing conflict without
// duplicating it, and a strictly newer remote change supersedes the stale
// conflict so the user always resolves against the remote's latest state.
func (r *Resolver) Record(ctx context.Context, tx *sql.Tx, c *syncdb.Conflict) (int64, error) {
	open, err := r.db.OpenConflictTx(ctx, tx, c.Table, c.RecordID)
	if err != nil {
		return 0, err
	}
	if open != nil {
		if c.RemoteVersion <= open.RemoteVersion {
			return open.ID, nil
		}
		if err := r.db.SupersedeConflictTx(ctx, tx, open.ID); err != nil {
			return 0, err
		}
		r.logger.Printf("Conflict %d on %s/%s superseded by remote version %d",
			open.ID, c.Table, c.RecordID, c.RemoteVersion)
	}
	return r.db.InsertConflictTx(ctx, tx, c)
}

// TryAutoResolve applies the table's policy to a detected conflict. Returns
// true if the conflict was resolved; manual policy leaves it for the user.
func (r *Resolver) TryAutoResolve(ctx context.Context, id int64) (bool, error) {
	c, err := r.db.GetConflict(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status != syncdb.ConflictDetected {
		return false, nil
	}

	tp := r.policies.Current().ForTable(c.Table)
	switch tp.Strategy {
	case StrategyManual:
		return false, nil
	case StrategyLocalWins:
		return true, r.Resolve(ctx, id, syncdb.ResolutionLocalWins, nil, "policy")
	case StrategyRemoteWins:
		return true, r.Resolve(ctx, id, syncdb.ResolutionRemoteWins, nil, "policy")
	case StrategyLastWriteWins:
		resolution := syncdb.ResolutionRemoteWins
		localAt := payloadTimestamp(c.LocalPayload)
		remoteAt := payloadTimestamp(c.RemotePayload)
		if !localAt.IsZero() && localAt.After(remoteAt) {
			resolution = syncdb.ResolutionLocalWins
		}
		return true, r.Resolve(ctx, id, resolution, nil, "policy")
	case StrategyMerge:
		merged, err := MergePayloads(c.LocalPayload, c.RemotePayload, tp)
		if err != nil {
			r.logger.Printf("Merge failed for conflict %d on %s/%s, leaving for manual resolution: %v",
				id, c.Table, c.RecordID, err)
			return false, nil
		}
		return true, r.Resolve(ctx, id, syncdb.ResolutionMerged, merged, "policy")
	default:
		return false, fmt.Errorf("unknown strategy %q for table %s", tp.Strategy, c.Table)
	}
}

// Resolve applies a resolution to a detected conflict.
//
// For merged and manual resolutions the payload argument is the resulting
// snapshot; local_wins and remote_wins ignore it and use the snapshots
// captured at detection time. Returns syncdb.ErrConflictNotFound if the
// conflict does not exist or was already resolved or superseded.
func (r *Resolver) Resolve(ctx context.Context, id int64, resolution string, payload json.RawMessage, resolvedBy string) error {
	c, err := r.db.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != syncdb.ConflictDetected {
		return syncdb.ErrConflictNotFound
	}

	codec, err := r.registry.Lookup(c.Table)
	if err != nil {
		return err
	}

	unlock := r.locks.Lock(c.Table, c.RecordID)
	defer unlock()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	enqueued := false
	switch resolution {
	case syncdb.ResolutionRemoteWins:
		if err := r.acceptRemote(ctx, tx, c, codec); err != nil {
			return err
		}
		if err := r.db.ResolveConflictTx(ctx, tx, id, resolution, c.RemotePayload, resolvedBy); err != nil {
			return err
		}
	case syncdb.ResolutionLocalWins:
		if err := r.republishLocal(ctx, tx, c, codec, c.LocalPayload, false); err != nil {
			return err
		}
		if err := r.db.ResolveConflictTx(ctx, tx, id, resolution, c.LocalPayload, resolvedBy); err != nil {
			return err
		}
		enqueued = true
	case syncdb.ResolutionMerged, syncdb.ResolutionManual:
		if len(payload) == 0 {
			return fmt.Errorf("%s resolution requires a payload", resolution)
		}
		if err := r.republishLocal(ctx, tx, c, codec, payload, true); err != nil {
			return err
		}
		if err := r.db.ResolveConflictTx(ctx, tx, id, resolution, payload, resolvedBy); err != nil {
			return err
		}
		enqueued = true
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resolution of conflict %d: %w", id, err)
	}

	r.logger.Printf("Resolved conflict %d on %s/%s as %s (by %s)",
		id, c.Table, c.RecordID, resolution, resolvedBy)
	if enqueued {
		r.notify()
	}
	return nil
}

// acceptRemote makes the remote snapshot the local truth: the payload is
// applied locally, the record's version is aligned with the remote, and the
// record's outstanding queue entries are discarded (the conflict log keeps
// the discarded local state for audit).
func (r *Resolver) acceptRemote(ctx context.Context, tx *sql.Tx, c *syncdb.Conflict, codec record.Codec) error {
	kind := record.OpUpdate
	if len(c.RemotePayload) == 0 {
		kind = record.OpDelete
	}
	if err := codec.Apply(ctx, tx, c.RecordID, kind, c.RemotePayload); err != nil {
		return fmt.Errorf("failed to apply remote state for %s/%s: %w", c.Table, c.RecordID, err)
	}
	if err := r.db.DiscardOutstandingTx(ctx, tx, c.Table, c.RecordID); err != nil {
		return err
	}
	return r.db.SetRemoteVersionTx(ctx, tx, c.Table, c.RecordID, c.RemoteVersion, kind == record.OpDelete)
}

// republishLocal rebases the chosen snapshot onto the remote's version and
// appends a fresh outbound entry, so the resolved state is pushed with
// expected_version equal to what the endpoint currently holds. Stale queue
// entries carrying pre-conflict preconditions are discarded first.
func (r *Resolver) republishLocal(ctx context.Context, tx *sql.Tx, c *syncdb.Conflict, codec record.Codec, payload json.RawMessage, applyLocally bool) error {
	kind := record.OpUpdate
	if len(payload) == 0 {
		kind = record.OpDelete
	}
	if applyLocally {
		if err := codec.Apply(ctx, tx, c.RecordID, kind, payload); err != nil {
			return fmt.Errorf("failed to apply resolved state for %s/%s: %w", c.Table, c.RecordID, err)
		}
	}

	if err := r.db.DiscardOutstandingTx(ctx, tx, c.Table, c.RecordID); err != nil {
		return err
	}
	if err := r.db.SetLocalVersionTx(ctx, tx, c.Table, c.RecordID, c.RemoteVersion); err != nil {
		return err
	}
	baseVersion, err := r.db.BumpVersionTx(ctx, tx, c.Table, c.RecordID, kind)
	if err != nil {
		return err
	}
	op := record.Op{Table: c.Table, RecordID: c.RecordID, Kind: kind, Payload: payload}
	if _, err := r.db.EnqueueTx(ctx, tx, op, baseVersion); err != nil {
		return err
	}
	return nil
}

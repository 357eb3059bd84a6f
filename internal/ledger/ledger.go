// Package ledger derives sync status views from the durable bookkeeping
// tables.
//
// Nothing here is counted independently: every number is computed from the
// outbound queue, the per-record metadata, and the conflict log at read
// time, so the status can never drift out of agreement with the state it
// describes.
package ledger

import (
	"context"
	"time"

	"github.com/adrata/desktop-sync/internal/record"
	"github.com/adrata/desktop-sync/internal/syncdb"
)

// Table sync states, most severe condition first.
const (
	StateError       = "error"
	StateConflict    = "conflict"
	StatePending     = "pending"
	StateNeverSynced = "never_synced"
	StateSynced      = "synced"
)

// TableReport is the derived status of one table.
type TableReport struct {
	Table               string             `json:"table"`
	State               string             `json:"state"`
	Records             int                `json:"records"`
	Dirty               int                `json:"dirty"`
	Queue               syncdb.QueueStats  `json:"queue"`
	Conflicts           int                `json:"conflicts"`
	Cursor              string             `json:"cursor"`
	LastPushSync        time.Time          `json:"last_push_sync"`
	LastIncrementalSync time.Time          `json:"last_incremental_sync"`
	LastFullSync        time.Time          `json:"last_full_sync"`
	Health              syncdb.QueueHealth `json:"health"`
}

// Snapshot is the derived status of the whole engine.
type Snapshot struct {
	Tables      []TableReport       `json:"tables"`
	Queue       syncdb.QueueStats   `json:"queue"`
	QueueHealth syncdb.QueueHealth  `json:"queue_health"`
	Conflicts   syncdb.ConflictStats `json:"conflicts"`
	Online      bool                `json:"online"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// HealthProber reports whether the cloud endpoint is reachable. The remote
// client implements it.
type HealthProber interface {
	Health(ctx context.Context) error
}

// probeTimeout bounds the endpoint health check so a dead endpoint cannot
// stall status reads.
const probeTimeout = 3 * time.Second

// Ledger reads derived status views.
type Ledger struct {
	db       *syncdb.DB
	registry *record.Registry
	prober   HealthProber
}

// New creates a ledger over the given store and table registry.
func New(db *syncdb.DB, registry *record.Registry) *Ledger {
	return &Ledger{db: db, registry: registry}
}

// SetProber installs the endpoint health probe behind the snapshot's online
// flag. Without one the flag stays false.
func (l *Ledger) SetProber(p HealthProber) {
	l.prober = p
}

// TableStatus derives the status of one table.
func (l *Ledger) TableStatus(ctx context.Context, table string) (TableReport, error) {
	counts, err := l.db.MetaCountsForTable(ctx, table)
	if err != nil {
		return TableReport{}, err
	}
	queue, err := l.db.StatsForTable(ctx, table)
	if err != nil {
		return TableReport{}, err
	}
	conflicts, err := l.db.CountUnresolvedForTable(ctx, table)
	if err != nil {
		return TableReport{}, err
	}
	status, err := l.db.GetTableStatus(ctx, table)
	if err != nil {
		return TableReport{}, err
	}

	report := TableReport{
		Table:               table,
		Records:             counts.Total,
		Dirty:               counts.Dirty,
		Queue:               queue,
		Conflicts:           conflicts,
		Cursor:              status.Cursor,
		LastPushSync:        status.LastPushSync,
		LastIncrementalSync: status.LastIncrementalSync,
		LastFullSync:        status.LastFullSync,
		Health:              queue.Health(),
	}
	report.State = deriveState(report, status)
	return report, nil
}

// Status derives the engine-wide snapshot across all registered tables.
func (l *Ledger) Status(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{GeneratedAt: time.Now().UTC()}

	for _, table := range l.registry.Tables() {
		report, err := l.TableStatus(ctx, table)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Tables = append(snap.Tables, report)
	}

	queue, err := l.db.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Queue = queue
	snap.QueueHealth = queue.Health()

	conflicts, err := l.db.ConflictStatistics(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Conflicts = conflicts

	if l.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		snap.Online = l.prober.Health(probeCtx) == nil
		cancel()
	}
	return snap, nil
}

// deriveState classifies a table by its worst outstanding condition.
func deriveState(r TableReport, status syncdb.TableStatus) string {
	switch {
	case r.Queue.Failed > 0:
		return StateError
	case r.Conflicts > 0:
		return StateConflict
	case r.Queue.Pending > 0 || r.Queue.InProgress > 0 || r.Dirty > 0:
		return StatePending
	case status.Cursor == "" && status.LastPushSync.IsZero() && status.LastIncrementalSync.IsZero():
		return StateNeverSynced
	default:
		return StateSynced
	}
}

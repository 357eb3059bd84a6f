// Package engine orchestrates the background sync workers.
//
// The push worker drains the outbound queue to the cloud endpoint with
// optimistic concurrency and exponential backoff; the pull worker fetches
// cursor-ordered remote batches per table and applies them locally,
// detecting conflicts against dirty records. Both run as long-lived loops
// under a single Engine, and both are also callable once for a foreground
// sync cycle.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adrata/desktop-sync/internal/conflict"
	"github.com/adrata/desktop-sync/internal/record"
	"github.com/adrata/desktop-sync/internal/remote"
	"github.com/adrata/desktop-sync/internal/syncdb"
	"github.com/adrata/desktop-sync/internal/tracker"
)

// Config holds the worker tuning knobs.
type Config struct {
	// PushInterval is the idle push poll interval; the tracker's wake
	// channel usually fires first.
	PushInterval time.Duration
	// PushBatchSize caps entries claimed per push cycle.
	PushBatchSize int
	// RetryCeiling is the attempt count after which an entry is
	// quarantined as failed.
	RetryCeiling int
	// BackoffBase is the first retry delay; doubled per attempt.
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay.
	BackoffCap time.Duration
	// PullInterval is the periodic pull interval.
	PullInterval time.Duration
	// PullBatchSize is the page size requested from the endpoint.
	PullBatchSize int
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		PushInterval:  30 * time.Second,
		PushBatchSize: 50,
		RetryCeiling:  10,
		BackoffBase:   2 * time.Second,
		BackoffCap:    5 * time.Minute,
		PullInterval:  60 * time.Second,
		PullBatchSize: 200,
	}
}

// Events receives worker notifications, e.g. for a monitoring dashboard.
// Implementations must not block.
type Events interface {
	OnPushComplete(pushed, retried, failed int, elapsed time.Duration)
	OnPullComplete(table string, applied int, elapsed time.Duration)
	OnConflictDetected(c *syncdb.Conflict)
	OnConflictResolved(c *syncdb.Conflict)
}

// Report summarizes one foreground sync cycle.
type Report struct {
	Pushed      int
	PushRetried int
	PushFailed  int
	Pulled      int
	Conflicts   int
	Resolved    int
	Duration    time.Duration
}

// Engine owns the push and pull workers.
type Engine struct {
	db       *syncdb.DB
	registry *record.Registry
	locks    *syncdb.RecordLocks
	tracker  *tracker.Tracker
	client   *remote.Client
	resolver *conflict.Resolver
	cfg      Config
	logger   *log.Logger
	events   Events

	mu       sync.Mutex
	sourceID string

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an engine. Zero config fields fall back to defaults.
func New(db *syncdb.DB, registry *record.Registry, locks *syncdb.RecordLocks, trk *tracker.Tracker, client *remote.Client, resolver *conflict.Resolver, cfg Config, logger *log.Logger) *Engine {
	def := DefaultConfig()
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = def.PushInterval
	}
	if cfg.PushBatchSize <= 0 {
		cfg.PushBatchSize = def.PushBatchSize
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = def.RetryCeiling
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = def.PullInterval
	}
	if cfg.PullBatchSize <= 0 {
		cfg.PullBatchSize = def.PullBatchSize
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		db:       db,
		registry: registry,
		locks:    locks,
		tracker:  trk,
		client:   client,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetEvents installs an event sink. Call before Start.
func (e *Engine) SetEvents(ev Events) {
	e.events = ev
}

// Start launches the background workers. Returns an error if already
// running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go func() {
		defer close(e.done)
		g, gctx := errgroup.WithContext(runCtx)
		g.Go(func() error { return e.runPush(gctx) })
		g.Go(func() error { return e.runPull(gctx) })
		if err := g.Wait(); err != nil && err != context.Canceled {
			e.logger.Printf("Worker exited with error: %v", err)
		}
	}()

	e.logger.Printf("Sync engine started (push every %s, pull every %s)",
		e.cfg.PushInterval, e.cfg.PullInterval)
	return nil
}

// Stop shuts the workers down and waits for them to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.running = false
	e.mu.Unlock()

	cancel()
	<-done
	e.logger.Printf("Sync engine stopped")
}

// SyncNow runs one full foreground cycle: drain the outbound queue, then
// pull every registered table. Usable whether or not the background
// workers are running.
func (e *Engine) SyncNow(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report

	for {
		n, err := e.pushBatch(ctx, &report)
		if err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		if n == 0 {
			break
		}
	}

	for _, table := range e.registry.Tables() {
		if err := e.pullTable(ctx, table, &report); err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("pull of %s failed: %w", table, err)
		}
	}

	report.Duration = time.Since(start)
	return report, nil
}

// PushOnce drains the outbound queue in the foreground.
func (e *Engine) PushOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report
	for {
		n, err := e.pushBatch(ctx, &report)
		if err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		if n == 0 {
			report.Duration = time.Since(start)
			return report, nil
		}
	}
}

// PullOnce pulls every registered table in the foreground.
func (e *Engine) PullOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report
	for _, table := range e.registry.Tables() {
		if err := e.pullTable(ctx, table, &report); err != nil {
			report.Duration = time.Since(start)
			return report, fmt.Errorf("pull of %s failed: %w", table, err)
		}
	}
	report.Duration = time.Since(start)
	return report, nil
}

// FullResync clears a table's cursor and replays its entire remote change
// stream from the beginning. Dirty local records still conflict rather than
// being overwritten, so local unpushed work survives a resync.
func (e *Engine) FullResync(ctx context.Context, table string) (Report, error) {
	start := time.Now()
	var report Report

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return report, err
	}
	if err := e.db.ResetCursorTx(ctx, tx, table); err != nil {
		tx.Rollback()
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("failed to reset cursor for %s: %w", table, err)
	}

	if err := e.pullTable(ctx, table, &report); err != nil {
		report.Duration = time.Since(start)
		return report, err
	}

	tx, err = e.db.BeginTx(ctx)
	if err != nil {
		return report, err
	}
	if err := e.db.StampFullSyncTx(ctx, tx, table); err != nil {
		tx.Rollback()
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("failed to stamp full sync for %s: %w", table, err)
	}

	report.Duration = time.Since(start)
	e.logger.Printf("Full resync of %s applied %d changes (%d conflicts) in %s",
		table, report.Pulled, report.Conflicts, report.Duration)
	return report, nil
}

// emitConflict publishes a conflict event once its transaction has
// committed. Best effort: event delivery never fails the sync path.
func (e *Engine) emitConflict(ctx context.Context, id int64, resolved bool) {
	if e.events == nil {
		return
	}
	c, err := e.db.GetConflict(ctx, id)
	if err != nil {
		e.logger.Printf("Failed to load conflict %d for event: %v", id, err)
		return
	}
	if resolved {
		e.events.OnConflictResolved(c)
	} else {
		e.events.OnConflictDetected(c)
	}
}

// sourceIdentity returns the cached engine identity, loading it on first use.
func (e *Engine) sourceIdentity(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sourceID != "" {
		return e.sourceID, nil
	}
	id, err := e.db.SourceID(ctx)
	if err != nil {
		return "", err
	}
	e.sourceID = id
	return id, nil
}

// Package daemon wires the sync engine together and runs it as a long-lived
// process.
//
// The daemon:
// 1. Opens the local store and runs schema init plus crash recovery
// 2. Starts the push and pull workers
// 3. Watches the conflict policy file for hot reload
// 4. Periodically prunes completed queue entries and settled conflicts
// 5. Optionally serves the monitoring dashboard
// 6. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/adrata/desktop-sync/internal/config"
	"github.com/adrata/desktop-sync/internal/conflict"
	"github.com/adrata/desktop-sync/internal/dashboard"
	"github.com/adrata/desktop-sync/internal/engine"
	"github.com/adrata/desktop-sync/internal/ledger"
	"github.com/adrata/desktop-sync/internal/record"
	"github.com/adrata/desktop-sync/internal/remote"
	"github.com/adrata/desktop-sync/internal/syncdb"
	"github.com/adrata/desktop-sync/internal/tracker"
)

// Daemon owns the full sync stack.
type Daemon struct {
	cfg    config.Config
	logger *log.Logger

	db       *syncdb.DB
	registry *record.Registry
	locks    *syncdb.RecordLocks
	tracker  *tracker.Tracker
	client   *remote.Client
	policies *conflict.PolicyStore
	resolver *conflict.Resolver
	engine   *engine.Engine
	ledger   *ledger.Ledger
	dash     *dashboard.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the daemon from configuration. The local store is opened and
// initialized here so construction fails fast on a broken environment.
func New(cfg config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogPath)

	db, err := syncdb.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}

	registry := record.NewRegistry()
	for _, table := range cfg.Tables {
		if err := registry.Register(table, record.NewDocumentCodec(table)); err != nil {
			db.Close()
			return nil, err
		}
	}

	locks := syncdb.NewRecordLocks()
	trk := tracker.New(db, registry, locks, logger)

	client, err := remote.NewClient(remote.Config{
		BaseURL:   cfg.RemoteURL,
		AuthToken: cfg.AuthToken,
		Timeout:   cfg.RemoteTimeout,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	policies, err := conflict.NewPolicyStore(cfg.ConflictPolicyPath, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	resolver := conflict.NewResolver(db, registry, locks, policies, trk.Notify, logger)

	eng := engine.New(db, registry, locks, trk, client, resolver, engine.Config{
		PushInterval:  cfg.PushInterval,
		PushBatchSize: cfg.PushBatchSize,
		RetryCeiling:  cfg.RetryCeiling,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
		PullInterval:  cfg.PullInterval,
		PullBatchSize: cfg.PullBatchSize,
	}, logger)

	ldg := ledger.New(db, registry)
	ldg.SetProber(client)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: registry,
		locks:    locks,
		tracker:  trk,
		client:   client,
		policies: policies,
		resolver: resolver,
		engine:   eng,
		ledger:   ldg,
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.DashboardAddr != "" {
		d.dash = dashboard.NewServer(&dashboard.Config{
			Addr:   cfg.DashboardAddr,
			Logger: logger,
		}, ldg)
		eng.SetEvents(dashboard.NewHandler(d.dash, ldg, logger))
	}

	return d, nil
}

// newLogger builds the daemon logger. With a log path set, output goes to
// a size-rotated file and stderr; otherwise stderr only.
func newLogger(path string) *log.Logger {
	var out io.Writer = os.Stderr
	if path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	return log.New(out, "[syncd] ", log.LstdFlags)
}

// Start runs the daemon until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting sync daemon")

	if err := d.engine.Start(d.ctx); err != nil {
		return err
	}

	if d.dash != nil {
		if err := d.dash.Start(); err != nil {
			d.engine.Stop()
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	d.wg.Add(2)
	go d.watchPolicy()
	go d.cleanupLoop()

	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts the daemon down.
func (d *Daemon) Stop() error {
	d.logger.Println("Stopping sync daemon")

	d.cancel()
	d.engine.Stop()

	if d.dash != nil {
		if err := d.dash.Stop(); err != nil {
			d.logger.Printf("Error stopping dashboard: %v", err)
		}
	}

	d.wg.Wait()

	if err := d.db.Close(); err != nil {
		d.logger.Printf("Error closing database: %v", err)
	}

	d.logger.Println("Sync daemon stopped")
	return nil
}

// watchPolicy hot-reloads the conflict policy file.
func (d *Daemon) watchPolicy() {
	defer d.wg.Done()

	if err := d.policies.Watch(d.ctx); err != nil {
		d.logger.Printf("Policy watcher exited: %v", err)
	}
}

// cleanupLoop periodically prunes completed queue entries and settled
// conflicts past their retention windows.
func (d *Daemon) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.db.CleanupCompleted(d.ctx, d.cfg.QueueRetention); err != nil {
				d.logger.Printf("Queue cleanup failed: %v", err)
			} else if n > 0 {
				d.logger.Printf("Pruned %d completed queue entries", n)
			}

			if n, err := d.db.CleanupResolvedConflicts(d.ctx, d.cfg.ConflictRetention); err != nil {
				d.logger.Printf("Conflict cleanup failed: %v", err)
			} else if n > 0 {
				d.logger.Printf("Pruned %d settled conflicts", n)
			}
		}
	}
}

// Tracker exposes the change tracker for embedding applications.
func (d *Daemon) Tracker() *tracker.Tracker { return d.tracker }

// Engine exposes the sync engine for foreground cycles.
func (d *Daemon) Engine() *engine.Engine { return d.engine }

// Ledger exposes the derived status views.
func (d *Daemon) Ledger() *ledger.Ledger { return d.ledger }

// Resolver exposes conflict resolution for manual workflows.
func (d *Daemon) Resolver() *conflict.Resolver { return d.resolver }

// DB exposes the underlying store.
func (d *Daemon) DB() *syncdb.DB { return d.db }

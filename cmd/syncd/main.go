// syncd is the offline-first sync daemon and its companion CLI.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/adrata/desktop-sync/internal/config"
	"github.com/adrata/desktop-sync/internal/conflict"
	"github.com/adrata/desktop-sync/internal/engine"
	"github.com/adrata/desktop-sync/internal/ledger"
	"github.com/adrata/desktop-sync/internal/record"
	"github.com/adrata/desktop-sync/internal/remote"
	"github.com/adrata/desktop-sync/internal/syncdb"
	"github.com/adrata/desktop-sync/internal/tracker"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Offline-first sync engine for a local SQLite store",
	Long: `syncd keeps a local single-user SQLite store and a cloud relational
store convergent. Local writes always succeed offline; background workers
push queued changes with optimistic concurrency and pull remote changes
from per-table cursors, logging conflicts instead of losing either side.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./syncd.yaml, ~/.syncd/syncd.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the effective configuration for the current invocation.
func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// stack bundles the pieces a one-shot CLI command needs.
type stack struct {
	cfg      config.Config
	db       *syncdb.DB
	registry *record.Registry
	locks    *syncdb.RecordLocks
	tracker  *tracker.Tracker
	resolver *conflict.Resolver
	ledger   *ledger.Ledger
	engine   *engine.Engine
}

// openStack builds the local stack. With needRemote set, the remote client
// and engine are constructed too and remote_url must be configured.
func openStack(needRemote bool) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("database_path is required")
	}

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

	logger := log.New(os.Stderr, "[syncd] ", log.LstdFlags)
	locks := syncdb.NewRecordLocks()
	trk := tracker.New(db, registry, locks, logger)

	policies, err := conflict.NewPolicyStore(cfg.ConflictPolicyPath, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	resolver := conflict.NewResolver(db, registry, locks, policies, trk.Notify, logger)

	s := &stack{
		cfg:      cfg,
		db:       db,
		registry: registry,
		locks:    locks,
		tracker:  trk,
		resolver: resolver,
		ledger:   ledger.New(db, registry),
	}

	// A configured endpoint backs the status ledger's online flag even for
	// commands that never sync.
	var client *remote.Client
	if cfg.RemoteURL != "" {
		client, err = remote.NewClient(remote.Config{
			BaseURL:   cfg.RemoteURL,
			AuthToken: cfg.AuthToken,
			Timeout:   cfg.RemoteTimeout,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		s.ledger.SetProber(client)
	}

	if needRemote {
		if client == nil {
			db.Close()
			return nil, fmt.Errorf("remote_url is required for this command")
		}
		s.engine = engine.New(db, registry, locks, trk, client, resolver, engine.Config{
			PushBatchSize: cfg.PushBatchSize,
			RetryCeiling:  cfg.RetryCeiling,
			BackoffBase:   cfg.BackoffBase,
			BackoffCap:    cfg.BackoffCap,
			PullBatchSize: cfg.PullBatchSize,
		}, logger)
	}

	return s, nil
}

// Close releases the stack's resources.
func (s *stack) Close() {
	if err := s.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}

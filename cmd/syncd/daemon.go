package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adrata/desktop-sync/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon starts the push and pull workers, watches the conflict policy
file for changes, prunes completed queue entries and settled conflicts on a
schedule, and serves the monitoring dashboard when dashboard_addr is set.

Example usage:
  syncd daemon                       # Use default config locations
  syncd daemon -c /etc/syncd.yaml    # Explicit config file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		d, err := daemon.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return d.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

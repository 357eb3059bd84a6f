package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adrata/desktop-sync/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the monitoring dashboard without the sync workers",
	Long: `Serve the status dashboard over the local store only. The daemon
normally serves this itself; this command is for inspecting a store while
the daemon is not running.

WebSocket messages include:
- push_complete: a push cycle finished
- pull_complete: a pull cycle finished
- conflict_detected / conflict_resolved: conflict lifecycle events
- status: derived status snapshot

Endpoints:
  GET /status   current derived status as JSON
  GET /health   server health
  WS  /ws       event stream`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		s, err := openStack(false)
		if err != nil {
			return err
		}
		defer s.Close()

		if addr == "" {
			addr = s.cfg.DashboardAddr
		}
		server := dashboard.NewServer(&dashboard.Config{
			Addr:   addr,
			Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
		}, s.ledger)

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		fmt.Printf("Dashboard listening on http://%s\n", server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down dashboard...")
		return server.Stop()
	},
}

func init() {
	dashboardCmd.Flags().String("addr", "", "Listen address (default: dashboard_addr from config)")
	rootCmd.AddCommand(dashboardCmd)
}

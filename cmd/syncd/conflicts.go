package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/adrata/desktop-sync/internal/syncdb"
	"github.com/adrata/desktop-sync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(false)
		if err != nil {
			return err
		}
		defer s.Close()

		conflicts, err := s.db.ListUnresolved(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(ui.RenderConflicts(conflicts))
		return nil
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show both snapshots of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conflict id %q", args[0])
		}

		s, err := openStack(false)
		if err != nil {
			return err
		}
		defer s.Close()

		c, err := s.db.GetConflict(cmd.Context(), id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict",
	Long: `Resolve a detected conflict with one of:
  --strategy local    keep the local snapshot and re-push it
  --strategy remote   accept the remote snapshot and discard queued local changes
  --payload-file f    apply a hand-edited snapshot from a JSON file

Resolution is applied exactly once; resolving an already-settled conflict
is an error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conflict id %q", args[0])
		}
		strategy, _ := cmd.Flags().GetString("strategy")
		payloadFile, _ := cmd.Flags().GetString("payload-file")

		var resolution string
		var payload json.RawMessage
		switch {
		case payloadFile != "":
			data, err := os.ReadFile(payloadFile)
			if err != nil {
				return fmt.Errorf("failed to read payload file: %w", err)
			}
			if !json.Valid(data) {
				return fmt.Errorf("payload file is not valid JSON")
			}
			resolution = syncdb.ResolutionManual
			payload = data
		case strategy == "local":
			resolution = syncdb.ResolutionLocalWins
		case strategy == "remote":
			resolution = syncdb.ResolutionRemoteWins
		default:
			return fmt.Errorf("specify --strategy local|remote or --payload-file")
		}

		s, err := openStack(false)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.resolver.Resolve(cmd.Context(), id, resolution, payload, "user"); err != nil {
			return err
		}
		fmt.Printf("Conflict %d resolved (%s)\n", id, resolution)
		if resolution != syncdb.ResolutionRemoteWins {
			fmt.Println("The resolved snapshot is queued for push; run 'syncd push' or let the daemon pick it up.")
		}
		return nil
	},
}

var conflictsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate conflict statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(false)
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.db.ConflictStatistics(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Total:       %d\n", stats.Total)
		fmt.Printf("Unresolved:  %d\n", stats.Unresolved)
		fmt.Printf("Local wins:  %d\n", stats.LocalWins)
		fmt.Printf("Remote wins: %d\n", stats.RemoteWins)
		fmt.Printf("Merged:      %d\n", stats.Merged)
		fmt.Printf("Manual:      %d\n", stats.Manual)
		fmt.Printf("Superseded:  %d\n", stats.Superseded)
		return nil
	},
}

func init() {
	conflictsResolveCmd.Flags().String("strategy", "", "Resolution strategy: local or remote")
	conflictsResolveCmd.Flags().String("payload-file", "", "JSON file with the hand-merged snapshot")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsStatsCmd)
	rootCmd.AddCommand(conflictsCmd)
}

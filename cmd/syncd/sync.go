package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adrata/desktop-sync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one foreground sync cycle (push then pull)",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(true)
		if err != nil {
			return err
		}
		defer s.Close()

		report, err := s.engine.SyncNow(cmd.Context())
		fmt.Print(ui.RenderReport(report))
		return err
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Drain the outbound queue to the cloud endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(true)
		if err != nil {
			return err
		}
		defer s.Close()

		report, err := s.engine.PushOnce(cmd.Context())
		fmt.Print(ui.RenderReport(report))
		return err
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull remote changes for every synced table",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(true)
		if err != nil {
			return err
		}
		defer s.Close()

		report, err := s.engine.PullOnce(cmd.Context())
		fmt.Print(ui.RenderReport(report))
		return err
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync <table>",
	Short: "Replay a table's full remote change stream from the beginning",
	Long: `Reset the table's pull cursor and re-apply its entire remote change
stream. Dirty local records are not overwritten; they surface as conflicts
like any other pull. Used for first-time hydration and for recovering a
table whose local copy is suspect.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(true)
		if err != nil {
			return err
		}
		defer s.Close()

		report, err := s.engine.FullResync(cmd.Context(), args[0])
		fmt.Print(ui.RenderReport(report))
		return err
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(resyncCmd)
}

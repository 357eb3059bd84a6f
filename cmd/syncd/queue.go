package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the outbound queue",
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List quarantined queue entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(false)
		if err != nil {
			return err
		}
		defer s.Close()

		entries, err := s.db.ListFailed(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No failed queue entries")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("#%-5d %s %s/%s  base v%d  %d attempts  %s\n",
				e.ID, e.Op, e.Table, e.RecordID, e.BaseVersion, e.RetryCount, e.ErrorMessage)
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return failed queue entries to pending",
	Long: `Return failed entries to pending so the push worker tries them again.
Entries failed on a version conflict stay failed until their conflict is
resolved; resolving replaces or discards them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		s, err := openStack(false)
		if err != nil {
			return err
		}
		defer s.Close()

		ceiling := s.cfg.RetryCeiling
		if all {
			ceiling = 0
		}
		n, err := s.db.RetryFailed(cmd.Context(), ceiling)
		if err != nil {
			return err
		}
		fmt.Printf("Rescheduled %d entries\n", n)
		return nil
	},
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune completed entries past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(false)
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.db.CleanupCompleted(cmd.Context(), s.cfg.QueueRetention)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d completed entries\n", n)
		return nil
	},
}

func init() {
	queueRetryCmd.Flags().Bool("all", false, "Retry even entries past the retry ceiling")

	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueCleanupCmd)
	rootCmd.AddCommand(queueCmd)
}

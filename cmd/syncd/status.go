package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adrata/desktop-sync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show derived sync status for all tables",
	Long: `Show the current sync state of every table: record and dirty counts,
queue depth and health, and unresolved conflicts. All numbers are derived
from the durable bookkeeping tables at read time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		s, err := openStack(false)
		if err != nil {
			return err
		}
		defer s.Close()

		snap, err := s.ledger.Status(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		fmt.Print(ui.RenderStatus(snap))
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

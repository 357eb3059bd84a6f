package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adrata/desktop-sync/internal/record"
)

var applyCmd = &cobra.Command{
	Use:   "apply <table> <record-id>",
	Short: "Apply a local mutation through the change tracker",
	Long: `Apply an insert, update, or delete to a document-codec table. The
mutation, version bump, and queue append commit in one transaction, exactly
as an embedding application's writes do. Mainly useful for scripting and
for exercising a configured endpoint.

Example usage:
  syncd apply contacts c-17 --payload '{"name":"Ada"}'
  syncd apply contacts c-17 --op delete`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opName, _ := cmd.Flags().GetString("op")
		payloadArg, _ := cmd.Flags().GetString("payload")
		payloadFile, _ := cmd.Flags().GetString("payload-file")

		kind := record.OpKind(opName)
		if !kind.Valid() {
			return fmt.Errorf("invalid op %q (insert, update, or delete)", opName)
		}

		var payload json.RawMessage
		switch {
		case payloadFile != "":
			data, err := os.ReadFile(payloadFile)
			if err != nil {
				return fmt.Errorf("failed to read payload file: %w", err)
			}
			payload = data
		case payloadArg != "":
			payload = json.RawMessage(payloadArg)
		}

		s, err := openStack(false)
		if err != nil {
			return err
		}
		defer s.Close()

		op := record.Op{
			Table:    args[0],
			RecordID: args[1],
			Kind:     kind,
			Payload:  payload,
		}
		if err := s.tracker.Apply(cmd.Context(), op); err != nil {
			return err
		}

		meta, err := s.db.GetMeta(cmd.Context(), op.Table, op.RecordID)
		if err != nil {
			return err
		}
		fmt.Printf("Applied %s to %s/%s (now v%d, queued for push)\n",
			kind, op.Table, op.RecordID, meta.SyncVersion)
		return nil
	},
}

func init() {
	applyCmd.Flags().String("op", "update", "Operation: insert, update, or delete")
	applyCmd.Flags().String("payload", "", "Inline JSON payload")
	applyCmd.Flags().String("payload-file", "", "JSON payload file")
	rootCmd.AddCommand(applyCmd)
}

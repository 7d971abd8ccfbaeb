// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomoki33/ordo-sync/record"
)

// NewConflictsCommand groups the conflict inspection and resolution commands.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve conflicts waiting on the user",
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conflicts parked for manual resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			s, err := openStack(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			cases, err := s.eng.Conflicts(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cases)
		},
	}
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var recordJSON string

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a parked conflict with a user-supplied record",
		Long: `Resolve accepts the final record for a parked conflict, stores it as the
local view, queues it for upload and runs one sync cycle so the decision
reaches the backend.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rec, err := record.FromJSON([]byte(recordJSON))
			if err != nil {
				return fmt.Errorf("invalid --record payload: %w", err)
			}

			s, err := openStack(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			ok, err := s.eng.ResolveConflictManually(ctx, args[0], rec)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("conflict %s is not pending", args[0])
			}
			s.eng.Sync(ctx)

			stats, err := s.eng.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&recordJSON, "record", "", "resolved record as JSON (required)")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

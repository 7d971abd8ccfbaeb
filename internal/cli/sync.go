// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewSyncCommand builds the one-shot sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync cycle and print engine stats",
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

			ok := s.eng.Sync(ctx)
			stats, err := s.eng.Stats(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), stats); err != nil {
				return err
			}
			if !ok {
				if stats.LastError != "" {
					return fmt.Errorf("sync cycle did not complete: %s", stats.LastError)
				}
				return fmt.Errorf("sync cycle did not complete")
			}
			return nil
		},
	}
}

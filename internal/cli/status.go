// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tomoki33/ordo-sync/engine"
	"github.com/tomoki33/ordo-sync/health"
)

type statusReport struct {
	Device string        `json:"device"`
	Health health.Report `json:"health"`
	Stats  *engine.Stats `json:"stats"`
}

// NewStatusCommand builds the status command: probe the backends once and
// print health plus engine counters.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe backends and print health and sync counters",
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

			report := s.eng.Health().RunProbes(ctx)
			stats, err := s.eng.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), statusReport{
				Device: s.cfg.Device,
				Health: report,
				Stats:  stats,
			})
		},
	}
}

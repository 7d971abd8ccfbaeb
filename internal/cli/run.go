// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomoki33/ordo-sync/sched"
)

// NewRunCommand builds the long-running daemon command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon until interrupted",
		Long: `Run starts the engine with its periodic jobs: foreground sync cycles,
background catch-up cycles and backend health probes. It syncs once
immediately, then runs until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), rootOpts)
		},
	}
}

func runDaemon(ctx context.Context, opts *RootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	ticker := sched.NewTicker()
	defer ticker.Close()
	if err := s.eng.Start(ticker); err != nil {
		return err
	}

	s.logger.Info("ordo-syncd running",
		"device", s.cfg.Device,
		"database", opts.Database,
		"providers", len(s.providers),
		"sync_interval", s.cfg.Engine.SyncInterval.Std())

	// First cycle right away; the scheduler takes over from here.
	s.eng.Sync(ctx)

	<-ctx.Done()
	s.logger.Info("shutting down")
	return nil
}

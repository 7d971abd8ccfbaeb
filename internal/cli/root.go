// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootOptions carries the global flags shared by every subcommand.
type RootOptions struct {
	Config   string
	Database string
	Device   string
	Verbose  bool
}

// NewRootCommand builds the ordo-syncd command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ordo-syncd",
		Short: "Offline-first sync daemon for ordo data",
		Long: `ordo-syncd keeps a local SQLite change ledger in sync with one or more
backends (HTTP sync server, Postgres, S3). Local edits queue while offline,
upload in order when connectivity returns, and concurrent edits from other
devices are detected and resolved, automatically where safe.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to YAML config file (built-in defaults apply when omitted)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "ordo-sync.db", "path to the local SQLite database")
	cmd.PersistentFlags().StringVar(&opts.Device, "device", "", "device id recorded as change origin (default: config value or generated)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	return cmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

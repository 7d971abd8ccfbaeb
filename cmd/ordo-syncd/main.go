// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Command ordo-syncd runs the ordo-sync engine as a standalone daemon.
package main

import "github.com/tomoki33/ordo-sync/internal/cli"

func main() {
	cli.Execute()
}

// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🔄 ordo-sync - Offline-First Data Consistency Engine")
	fmt.Println("====================================================")
	fmt.Println()
	fmt.Println("ordo-sync keeps app data consistent across devices and backends: local")
	fmt.Println("edits queue in a durable change ledger while offline, upload in order when")
	fmt.Println("connectivity returns, and concurrent edits are detected, classified and")
	fmt.Println("resolved, automatically where safe and by the user where not.")
	fmt.Println()

	fmt.Println("📚 Getting Started:")
	fmt.Println()
	fmt.Println("1. 🚀 Quickstart (examples/quickstart/)")
	fmt.Println("   Two simulated devices syncing through a shared in-memory backend")
	fmt.Println("   Features: offline queueing, auto-resolution, manual conflict handling")
	fmt.Println("   Run: cd examples/quickstart && go run .")
	fmt.Println()

	fmt.Println("2. 🖥️  Sync Daemon (cmd/ordo-syncd/)")
	fmt.Println("   Standalone daemon syncing a local SQLite ledger with HTTP, Postgres")
	fmt.Println("   or S3 backends, with health-probed failover between them")
	fmt.Println("   Run: go run ./cmd/ordo-syncd run --config ordo-sync.yaml")
	fmt.Println()

	fmt.Println("3. 📦 Library Packages:")
	fmt.Println("   engine/   - sync engine: queueing, cycles, failover, events")
	fmt.Println("   ledger/   - durable ordered queue of local mutations")
	fmt.Println("   conflict/ - analyzer, resolution strategies, pending-manual set")
	fmt.Println("   remote/   - backend providers: HTTP, Postgres, S3, in-memory")
	fmt.Println("   health/   - backend probes, status aggregation, failover routing")
	fmt.Println()
}

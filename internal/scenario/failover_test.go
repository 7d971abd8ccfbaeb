// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomoki33/ordo-sync/engine"
	"github.com/tomoki33/ordo-sync/health"
	"github.com/tomoki33/ordo-sync/ledger"
	"github.com/tomoki33/ordo-sync/netmon"
	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/remote"
	"github.com/tomoki33/ordo-sync/storage"
)

// When probes take the primary offline, cycles route to the backup and
// report the failover; a passing probe reverts routing to the primary.
func TestFailover_UnhealthyPrimaryRoutesToBackupAndReverts(t *testing.T) {
	ctx := context.Background()
	primary := remote.NewMem("primary", "device-a")
	backup := remote.NewMem("backup", "device-a")

	cfg := deviceConfig("device-a")
	eng, err := engine.New(ctx, cfg, engine.Deps{
		KV:        storage.NewMemoryStore(),
		Providers: []remote.Provider{primary, backup},
		Net:       netmon.NewManual(true),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	var mu sync.Mutex
	var cycles []engine.CycleStats
	eng.Events().SyncCompleted.Subscribe(func(v engine.SyncCompleted) {
		mu.Lock()
		cycles = append(cycles, v.Stats)
		mu.Unlock()
	})
	lastCycle := func() (engine.CycleStats, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(cycles) == 0 {
			return engine.CycleStats{}, false
		}
		return cycles[len(cycles)-1], true
	}

	// Healthy primary serves the first cycle.
	_, err = eng.QueueChange(ctx, "items", "tea", ledger.OpCreate, record.Record{
		"name": "Tea", "timestamp": int64(1724572780000),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		row, ok := primary.Row("items", "tea")
		return ok && row.Version == 1
	}, 5*time.Second, 5*time.Millisecond)

	// Repeated ping failures take the primary offline.
	primary.SetPingErr(errors.New("gateway timeout"))
	for i := 0; i < cfg.Health.OfflineAfter; i++ {
		eng.Health().RunProbes(ctx)
	}
	comp, ok := eng.Health().Component("primary")
	require.True(t, ok)
	require.Equal(t, health.StatusOffline, comp.Status)

	_, err = eng.QueueChange(ctx, "items", "coffee", ledger.OpCreate, record.Record{
		"name": "Coffee", "timestamp": int64(1724572781000),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		row, ok := backup.Row("items", "coffee")
		return ok && row.Version == 1
	}, 5*time.Second, 5*time.Millisecond)
	_, ok = primary.Row("items", "coffee")
	require.False(t, ok, "change must not reach the offline primary")
	require.Eventually(t, func() bool {
		cs, ok := lastCycle()
		return ok && cs.Provider == "backup" && cs.FailedOver
	}, time.Second, 5*time.Millisecond)

	// One passing probe brings the primary back and routing reverts.
	primary.SetPingErr(nil)
	eng.Health().RunProbes(ctx)
	comp, _ = eng.Health().Component("primary")
	require.Equal(t, health.StatusHealthy, comp.Status)

	_, err = eng.QueueChange(ctx, "items", "sugar", ledger.OpCreate, record.Record{
		"name": "Sugar", "timestamp": int64(1724572782000),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		row, ok := primary.Row("items", "sugar")
		return ok && row.Version == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		cs, ok := lastCycle()
		return ok && cs.Provider == "primary" && !cs.FailedOver
	}, time.Second, 5*time.Millisecond)
}

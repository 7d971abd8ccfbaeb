// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package scenario exercises the engine end to end: several simulated
// devices editing against one shared backend, restarts on durable storage
// and failover between providers.
package scenario

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomoki33/ordo-sync/config"
	"github.com/tomoki33/ordo-sync/conflict"
	"github.com/tomoki33/ordo-sync/engine"
	"github.com/tomoki33/ordo-sync/ledger"
	"github.com/tomoki33/ordo-sync/netmon"
	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/remote"
	"github.com/tomoki33/ordo-sync/storage"
)

// tally counts per-device conflict events. Handlers run on their own
// goroutines, so positive assertions go through require.Eventually.
type tally struct {
	conflicts atomic.Int32
	manual    atomic.Int32

	mu    sync.Mutex
	cases []*conflict.Case
}

func (tl *tally) lastCase() *conflict.Case {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if len(tl.cases) == 0 {
		return nil
	}
	return tl.cases[len(tl.cases)-1]
}

// device is one simulated app install: its own store, connectivity switch
// and engine, sharing the backend with the other devices in the test.
type device struct {
	name   string
	kv     storage.KV
	net    *netmon.Manual
	eng    *engine.Engine
	events *tally
}

func deviceConfig(name string) config.Config {
	cfg := config.Default()
	cfg.Device = name
	cfg.Collections = []string{"items"}
	cfg.Engine.MaxRetries = 2
	cfg.Engine.BackoffMin = config.Duration(time.Millisecond)
	cfg.Engine.BackoffMax = config.Duration(10 * time.Millisecond)
	return cfg
}

// newDevice builds a device against backend with a fresh in-memory store.
// Devices start offline; tests flip connectivity to stage the phases.
func newDevice(t *testing.T, name string, backend *remote.MemProvider) *device {
	t.Helper()
	return newDeviceOn(t, name, storage.NewMemoryStore(), backend.ForDevice(name))
}

func newDeviceOn(t *testing.T, name string, kv storage.KV, provider remote.Provider) *device {
	t.Helper()
	d := &device{
		name:   name,
		kv:     kv,
		net:    netmon.NewManual(false),
		events: &tally{},
	}
	eng, err := engine.New(context.Background(), deviceConfig(name), engine.Deps{
		KV:        kv,
		Providers: []remote.Provider{provider},
		Net:       d.net,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	d.eng = eng

	ev := eng.Events()
	ev.ConflictDetected.Subscribe(func(v engine.ConflictDetected) {
		d.events.mu.Lock()
		d.events.cases = append(d.events.cases, v.Case)
		d.events.mu.Unlock()
		d.events.conflicts.Add(1)
	})
	ev.ManualResolutionRequired.Subscribe(func(engine.ManualResolutionRequired) {
		d.events.manual.Add(1)
	})
	return d
}

func (d *device) queue(t *testing.T, id string, op ledger.Op, data record.Record) {
	t.Helper()
	_, err := d.eng.QueueChange(context.Background(), "items", id, op, data)
	require.NoError(t, err)
}

// connect flips the device online and waits for a drained queue.
func (d *device) connect(t *testing.T) {
	t.Helper()
	d.net.SetOnline(true)
	d.drain(t)
}

// drain runs cycles until one completes with nothing left to upload.
// Reconnects kick cycles of their own, so a trigger may be dropped and the
// whole attempt retries.
func (d *device) drain(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		if !d.eng.Sync(context.Background()) {
			return false
		}
		return d.stats(t).PendingMutations == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func (d *device) stats(t *testing.T) *engine.Stats {
	t.Helper()
	s, err := d.eng.Stats(context.Background())
	require.NoError(t, err)
	return s
}

func (d *device) get(t *testing.T, id string) record.Record {
	t.Helper()
	r, ok, err := d.eng.Store().Get(context.Background(), "items", id)
	require.NoError(t, err)
	require.True(t, ok)
	return r
}

// qty reads the quantity field regardless of whether the record went
// through a JSON round trip.
func qty(t *testing.T, r record.Record) float64 {
	t.Helper()
	v, ok := record.LookupPath(r, "quantity")
	require.True(t, ok)
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	t.Fatalf("quantity has unexpected type %T", v)
	return 0
}

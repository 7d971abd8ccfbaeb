// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomoki33/ordo-sync/conflict"
	"github.com/tomoki33/ordo-sync/ledger"
	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/remote"
)

// Two devices create the same item independently. Device A's local history
// is linear, so its stale create collapses into the surviving edit instead
// of raising a conflict, and device B fast-forwards to the result.
func TestTwoDevices_IndependentCreatesConvergeWithoutConflict(t *testing.T) {
	backend := remote.NewMem("primary", "hub")
	devA := newDevice(t, "device-a", backend)
	devB := newDevice(t, "device-b", backend)

	devB.queue(t, "milk", ledger.OpCreate, record.Record{
		"name": "Milk", "quantity": 1.0, "timestamp": int64(1724572780000),
	})
	devB.connect(t)

	row, ok := backend.Row("items", "milk")
	require.True(t, ok)
	require.Equal(t, int64(1), row.Version)

	// Device A never synced: it creates the item from scratch and edits it
	// twice before reconnecting.
	devA.queue(t, "milk", ledger.OpCreate, record.Record{
		"name": "Milk", "quantity": 2.0, "timestamp": int64(1724572790000),
	})
	devA.queue(t, "milk", ledger.OpUpdate, record.Record{
		"name": "Milk", "quantity": 3.0, "timestamp": int64(1724572795000),
	})
	devA.connect(t)

	row, ok = backend.Row("items", "milk")
	require.True(t, ok)
	require.Equal(t, int64(2), row.Version)
	require.Equal(t, 3.0, qty(t, row.Payload))
	require.Equal(t, 0, devA.stats(t).Conflicts)
	require.Zero(t, devA.events.conflicts.Load())

	devB.drain(t)
	got := devB.get(t, "milk")
	require.Equal(t, 3.0, qty(t, got))
	require.Equal(t, int64(2), record.Version(got))
	require.Equal(t, 0, devB.stats(t).Conflicts)

	// Replaying the cycle on both sides changes nothing.
	devA.drain(t)
	devB.drain(t)
	row, _ = backend.Row("items", "milk")
	require.Equal(t, int64(2), row.Version)
	require.True(t, record.Equal(devA.get(t, "milk"), devB.get(t, "milk")))
}

// Both devices edit the same field of a shared item while apart. The device
// that reconnects into the conflict adopts the newer edit automatically and
// does not push its losing copy back.
func TestTwoDevices_ConcurrentEditResolvesByTimestamp(t *testing.T) {
	backend := remote.NewMem("primary", "hub")
	devA := newDevice(t, "device-a", backend)
	devB := newDevice(t, "device-b", backend)

	devB.queue(t, "rice", ledger.OpCreate, record.Record{
		"name": "Rice", "quantity": 2.0, "timestamp": int64(1724572780000),
	})
	devB.connect(t)
	devA.connect(t)
	require.Equal(t, int64(1), record.Version(devA.get(t, "rice")))

	// A edits first, B five seconds later; B lands its copy on the backend
	// before A comes back.
	devA.net.SetOnline(false)
	devA.queue(t, "rice", ledger.OpUpdate, record.Record{
		"name": "Rice", "quantity": 5.0, "timestamp": int64(1724572800000),
	})
	devB.queue(t, "rice", ledger.OpUpdate, record.Record{
		"name": "Rice", "quantity": 8.0, "timestamp": int64(1724572805000),
	})
	devB.drain(t)

	devA.net.SetOnline(true)
	devA.drain(t)

	require.Eventually(t, func() bool {
		return devA.events.conflicts.Load() == 1
	}, time.Second, 5*time.Millisecond)
	c := devA.events.lastCase()
	require.Equal(t, conflict.TypeData, c.Type)
	require.Equal(t, []string{"quantity"}, c.ConflictedFields)
	require.True(t, c.AutoResolvable)

	got := devA.get(t, "rice")
	require.Equal(t, 8.0, qty(t, got))
	require.Equal(t, int64(2), record.Version(got))
	st := devA.stats(t)
	require.Equal(t, 1, st.AutoResolved)
	require.Equal(t, 0, st.PendingConflicts)

	// The losing edit was not pushed back.
	row, _ := backend.Row("items", "rice")
	require.Equal(t, int64(2), row.Version)
	require.Equal(t, 8.0, qty(t, row.Payload))

	// Another round on both devices is a no-op.
	devA.drain(t)
	devB.drain(t)
	require.Equal(t, int32(1), devA.events.conflicts.Load())
	require.Equal(t, 1, devA.stats(t).Conflicts)
	row, _ = backend.Row("items", "rice")
	require.Equal(t, int64(2), row.Version)
	require.True(t, record.Equal(devA.get(t, "rice"), devB.get(t, "rice")))
}

// A deletion racing a concurrent edit is never auto-resolved: the case parks
// for the user, the tombstone stays local, and the user's decision is what
// both sides converge on.
func TestTwoDevices_DeleteVersusEditParksForUser(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMem("primary", "hub")
	devA := newDevice(t, "device-a", backend)
	devB := newDevice(t, "device-b", backend)

	devB.queue(t, "eggs", ledger.OpCreate, record.Record{
		"name": "Eggs", "quantity": 6.0, "timestamp": int64(1724572780000),
	})
	devB.connect(t)
	devA.connect(t)

	devA.net.SetOnline(false)
	devA.queue(t, "eggs", ledger.OpDelete, nil)
	devB.queue(t, "eggs", ledger.OpUpdate, record.Record{
		"name": "Eggs", "quantity": 12.0,
	})
	devB.drain(t)

	devA.net.SetOnline(true)
	devA.drain(t)

	require.Eventually(t, func() bool {
		return devA.events.conflicts.Load() == 1 && devA.events.manual.Load() == 1
	}, time.Second, 5*time.Millisecond)
	c := devA.events.lastCase()
	require.NotNil(t, c)
	require.Equal(t, conflict.TypeDeletion, c.Type)
	require.False(t, c.AutoResolvable)

	st := devA.stats(t)
	require.Equal(t, 1, st.PendingConflicts)
	require.Equal(t, 0, st.AutoResolved)

	// While the case is parked the local tombstone is frozen: replaying the
	// feed neither re-detects the conflict nor resurrects the item.
	devA.drain(t)
	require.True(t, record.IsDeleted(devA.get(t, "eggs")))
	require.Equal(t, int32(1), devA.events.conflicts.Load())

	row, _ := backend.Row("items", "eggs")
	require.Equal(t, int64(2), row.Version)
	require.False(t, row.Deleted)

	// The user keeps the edit; the decision republishes through the version
	// gate and both devices converge on it.
	conflicts, err := devA.eng.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	resolved, err := devA.eng.ResolveConflictManually(ctx, conflicts[0].ID, record.Record{
		"name": "Eggs", "quantity": 12.0,
	})
	require.NoError(t, err)
	require.True(t, resolved)
	devA.drain(t)

	require.Eventually(t, func() bool {
		row, ok := backend.Row("items", "eggs")
		return ok && row.Version == 3 && !row.Deleted
	}, time.Second, 5*time.Millisecond)
	got := devA.get(t, "eggs")
	require.Equal(t, 12.0, qty(t, got))
	require.False(t, record.IsDeleted(got))
	require.Equal(t, 0, devA.stats(t).PendingConflicts)

	devB.drain(t)
	got = devB.get(t, "eggs")
	require.Equal(t, 12.0, qty(t, got))
	require.Equal(t, int64(3), record.Version(got))
}

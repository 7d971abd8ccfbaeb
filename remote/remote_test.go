// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tomoki33/ordo-sync/record"
)

func TestCheckpointSeqRoundTrip(t *testing.T) {
	require.Equal(t, Checkpoint(""), SeqCheckpoint(0))
	require.Equal(t, Checkpoint("42"), SeqCheckpoint(42))
	require.Equal(t, int64(42), Seq(Checkpoint("42")))
	require.Equal(t, int64(0), Seq(""))
	require.Equal(t, int64(0), Seq(Checkpoint("not-a-number")))
}

func TestMemPush_AppliesAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	p := NewMem("primary", "device-a")

	res, err := p.Push(ctx, []Change{{
		ChangeID:   "ch-1",
		Collection: "items",
		EntityID:   "e1",
		Op:         "create",
		Payload:    record.Record{"name": "milk"},
	}})
	require.NoError(t, err)
	require.Len(t, res.Statuses, 1)
	require.Equal(t, PushApplied, res.Statuses[0].Status)
	require.Equal(t, int64(1), res.Statuses[0].NewVersion)

	row, ok := p.Row("items", "e1")
	require.True(t, ok)
	require.Equal(t, "milk", row.Payload["name"])
	require.Equal(t, int64(1), row.Version)
}

func TestMemPush_StaleBaseVersionConflicts(t *testing.T) {
	ctx := context.Background()
	p := NewMem("primary", "device-a")
	p.Seed("items", "e1", record.Record{"name": "milk", "quantity": 8.0})

	res, err := p.Push(ctx, []Change{{
		ChangeID:    "ch-1",
		Collection:  "items",
		EntityID:    "e1",
		Op:          "update",
		Payload:     record.Record{"name": "milk", "quantity": 5.0},
		BaseVersion: 0, // never saw the seeded version
	}})
	require.NoError(t, err)
	require.Equal(t, PushConflict, res.Statuses[0].Status)
	require.Equal(t, int64(1), res.Statuses[0].ServerVersion)
	require.Equal(t, 8.0, res.Statuses[0].ServerRecord["quantity"])

	// The backend row is untouched by a conflicted push.
	row, _ := p.Row("items", "e1")
	require.Equal(t, 8.0, row.Payload["quantity"])
}

func TestMemPush_ReplayReturnsOriginalStatus(t *testing.T) {
	ctx := context.Background()
	p := NewMem("primary", "device-a")

	ch := Change{ChangeID: "ch-1", Collection: "items", EntityID: "e1", Op: "create", Payload: record.Record{"n": 1.0}}
	first, err := p.Push(ctx, []Change{ch})
	require.NoError(t, err)
	second, err := p.Push(ctx, []Change{ch})
	require.NoError(t, err)

	require.Equal(t, first.Statuses[0], second.Statuses[0])
	row, _ := p.Row("items", "e1")
	require.Equal(t, int64(1), row.Version) // applied once
}

func TestMemPush_RebasedRetryAfterConflictApplies(t *testing.T) {
	ctx := context.Background()
	p := NewMem("primary", "device-a")
	p.Seed("items", "e1", record.Record{"quantity": 8.0})

	ch := Change{ChangeID: "ch-1", Collection: "items", EntityID: "e1", Op: "update",
		Payload: record.Record{"quantity": 5.0}, BaseVersion: 0}
	res, err := p.Push(ctx, []Change{ch})
	require.NoError(t, err)
	require.Equal(t, PushConflict, res.Statuses[0].Status)

	// Same change id, rebased onto the version the conflict reported.
	ch.BaseVersion = res.Statuses[0].ServerVersion
	res, err = p.Push(ctx, []Change{ch})
	require.NoError(t, err)
	require.Equal(t, PushApplied, res.Statuses[0].Status)
	require.Equal(t, int64(2), res.Statuses[0].NewVersion)
}

func TestMemPush_DeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	p := NewMem("primary", "device-a")
	p.Seed("items", "e1", record.Record{"name": "milk"})

	res, err := p.Push(ctx, []Change{{
		ChangeID: "ch-1", Collection: "items", EntityID: "e1", Op: "delete", BaseVersion: 1,
	}})
	require.NoError(t, err)
	require.Equal(t, PushApplied, res.Statuses[0].Status)

	row, ok := p.Row("items", "e1")
	require.True(t, ok)
	require.True(t, row.Deleted)
	require.Equal(t, int64(2), row.Version)
}

func TestMemPush_InvalidShape(t *testing.T) {
	ctx := context.Background()
	p := NewMem("primary", "device-a")

	res, err := p.Push(ctx, []Change{
		{ChangeID: "", Collection: "items", EntityID: "e1", Op: "create"},
		{ChangeID: "ch-2", Collection: "items", EntityID: "e2", Op: "upsert"},
	})
	require.NoError(t, err)
	require.Equal(t, PushInvalid, res.Statuses[0].Status)
	require.Equal(t, PushInvalid, res.Statuses[1].Status)
	require.Contains(t, res.Statuses[1].Reason, "upsert")
}

func TestMemPull_PagesInFeedOrder(t *testing.T) {
	ctx := context.Background()
	p := NewMem("primary", "device-a")
	for i := 0; i < 5; i++ {
		p.Seed("items", fmt.Sprintf("e%d", i), record.Record{"i": float64(i)})
	}
	p.Seed("lists", "other", record.Record{"i": 99.0})

	page, err := p.Pull(ctx, "items", "", 3)
	require.NoError(t, err)
	require.Len(t, page.Changes, 3)
	require.True(t, page.HasMore)
	require.Equal(t, "e0", page.Changes[0].EntityID)
	require.Equal(t, "seed", page.Changes[0].SourceID)

	page, err = p.Pull(ctx, "items", page.NextAfter, 3)
	require.NoError(t, err)
	require.Len(t, page.Changes, 2)
	require.False(t, page.HasMore)
	require.Equal(t, "e4", page.Changes[1].EntityID)

	// Nothing new: checkpoint stays put.
	final := page.NextAfter
	page, err = p.Pull(ctx, "items", final, 3)
	require.NoError(t, err)
	require.Empty(t, page.Changes)
	require.Equal(t, final, page.NextAfter)
}

func TestMemPull_OmitsOtherCollections(t *testing.T) {
	ctx := context.Background()
	p := NewMem("primary", "device-a")
	p.Seed("items", "e1", record.Record{"n": 1.0})
	p.Seed("lists", "l1", record.Record{"n": 2.0})

	page, err := p.Pull(ctx, "lists", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Changes, 1)
	require.Equal(t, "l1", page.Changes[0].EntityID)
}

func TestMemScriptedFailures(t *testing.T) {
	ctx := context.Background()
	p := NewMem("primary", "device-a")
	boom := errors.New("backend down")

	p.FailPushes(2, boom)
	_, err := p.Push(ctx, nil)
	require.ErrorIs(t, err, boom)
	_, err = p.Push(ctx, nil)
	require.ErrorIs(t, err, boom)
	_, err = p.Push(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 3, p.PushCalls())

	p.SetPingErr(boom)
	require.ErrorIs(t, p.Ping(ctx), boom)
	p.SetPingErr(nil)
	require.NoError(t, p.Ping(ctx))
}

func TestMemPush_SecondDeviceConflictsFirstDevice(t *testing.T) {
	ctx := context.Background()
	p := NewMem("primary", "device-a")

	_, err := p.Push(ctx, []Change{{
		ChangeID: "a-1", Collection: "items", EntityID: "e1", Op: "create",
		Payload: record.Record{"quantity": 5.0},
	}})
	require.NoError(t, err)

	res, err := p.PushAs(ctx, "device-b", []Change{{
		ChangeID: "b-1", Collection: "items", EntityID: "e1", Op: "update",
		Payload: record.Record{"quantity": 8.0}, BaseVersion: 0,
	}})
	require.NoError(t, err)
	require.Equal(t, PushConflict, res.Statuses[0].Status)
	require.Equal(t, 5.0, res.Statuses[0].ServerRecord["quantity"])
}

// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/tomoki33/ordo-sync/ledger"
	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/remote"
	"github.com/tomoki33/ordo-sync/storage"
)

const checkpointPrefix = "checkpoint/"

// checkpointKey names the per-(provider, collection) feed position. Keyed by
// provider so a failover replays the alternate's feed from its own mark.
func checkpointKey(provider, collection string) string {
	return checkpointPrefix + storage.Join(provider, collection)
}

func (e *Engine) loadCheckpoint(ctx context.Context, key string) (remote.Checkpoint, error) {
	raw, ok, err := e.kv.Get(ctx, key)
	if err != nil || !ok {
		return "", err
	}
	return remote.Checkpoint(raw), nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, key string, cp remote.Checkpoint) error {
	return e.kv.Set(ctx, key, []byte(cp))
}

// downloadPhase pulls each collection's change feed from its stored
// checkpoint and applies the entries locally. The checkpoint advances only
// after a page has been fully applied; re-applying a page is idempotent, so
// a crash mid-page costs duplicate work, never duplicate state.
func (e *Engine) downloadPhase(ctx context.Context, comps *components, provider remote.Provider, cs *CycleStats) error {
	for _, collection := range comps.cfg.Collections {
		if err := e.downloadCollection(ctx, comps, provider, collection, cs); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) downloadCollection(ctx context.Context, comps *components, provider remote.Provider, collection string, cs *CycleStats) error {
	key := checkpointKey(provider.Name(), collection)
	since, err := e.loadCheckpoint(ctx, key)
	if err != nil {
		return err
	}

	for {
		if !e.net.Online() {
			return errOffline
		}

		page, err := provider.Pull(ctx, collection, since, comps.cfg.Engine.DownloadLimit)
		if err != nil {
			return err
		}
		if len(page.Changes) == 0 {
			return nil
		}

		for _, item := range page.Changes {
			if err := e.applyRemote(ctx, comps, item, cs); err != nil {
				return err
			}
		}

		if page.NextAfter != "" && page.NextAfter != since {
			since = page.NextAfter
			if err := e.saveCheckpoint(ctx, key, since); err != nil {
				return err
			}
		}
		if !page.HasMore {
			return nil
		}
	}
}

// applyRemote folds one feed entry into the local view.
func (e *Engine) applyRemote(ctx context.Context, comps *components, item remote.PullItem, cs *CycleStats) error {
	// Own writes echo back on the feed; the ledger already settled them.
	if item.SourceID == e.deviceID {
		return nil
	}

	// Entities with queued local changes reconcile on the upload path, where
	// the version gate surfaces the same divergence exactly once.
	pendingHere, err := e.hasPending(ctx, comps, item.Collection, item.EntityID)
	if err != nil {
		return err
	}
	if pendingHere {
		return nil
	}

	// Entities parked for manual resolution stay frozen until the user
	// decides; the resolution re-queues through the version gate and picks
	// up whatever the backend holds by then.
	parked, err := comps.pending.ForEntity(ctx, item.Collection, item.EntityID)
	if err != nil {
		return err
	}
	if parked != nil {
		return nil
	}

	remoteRec := remoteView(item)

	local, found, err := e.store.Get(ctx, item.Collection, item.EntityID)
	if err != nil {
		return err
	}
	if !found {
		// First sight of the entity. Tombstones are stored too, so an
		// out-of-order edit arriving later cannot resurrect it.
		cs.Downloaded++
		return e.store.Put(ctx, item.Collection, item.EntityID, remoteRec)
	}

	localV := record.Version(local)
	if item.ServerVersion > 0 {
		if localV > item.ServerVersion {
			// Stale feed entry behind what this device already adopted.
			return nil
		}
		if localV > 0 && localV < item.ServerVersion {
			// The local copy is a synced ancestor; fast-forward.
			cs.Downloaded++
			return e.store.Put(ctx, item.Collection, item.EntityID, remoteRec)
		}
	}

	if len(record.Diff(local, remoteRec)) == 0 {
		// Same content; refresh the envelope when the server's is newer.
		if localV == 0 && item.ServerVersion > 0 {
			return e.store.Put(ctx, item.Collection, item.EntityID, remoteRec)
		}
		return nil
	}

	c := comps.analyzer.Analyze(item.Collection, item.EntityID, local, remoteRec)
	if c == nil {
		// One side is decisively newer.
		if record.Timestamp(local) > record.Timestamp(remoteRec) {
			return e.requeueLocal(ctx, comps, item, local)
		}
		cs.Downloaded++
		return e.store.Put(ctx, item.Collection, item.EntityID, remoteRec)
	}

	cs.Conflicts++
	e.events.ConflictDetected.Publish(ConflictDetected{Case: c})

	res, err := comps.resolver.Resolve(ctx, c)
	if err != nil {
		return err
	}
	if res.RequiresUserAction {
		cs.Manual++
		e.events.ManualResolutionRequired.Publish(ManualResolutionRequired{Case: c, Reason: firstWarning(res)})
		// Parked: the local view keeps the user's copy until they decide.
		return nil
	}

	cs.AutoResolved++
	return e.adoptResolution(ctx, comps, c, res, item.Payload, item.ServerVersion)
}

// requeueLocal pushes a decisively newer local record back upstream, rebased
// onto the version the feed just delivered.
func (e *Engine) requeueLocal(ctx context.Context, comps *components, item remote.PullItem, local record.Record) error {
	op := ledger.OpUpdate
	payload := withoutVersion(local)
	if record.IsDeleted(local) {
		op = ledger.OpDelete
		payload = nil
	}
	m, err := comps.ledger.Append(ctx, item.Collection, item.EntityID, op, payload, item.ServerVersion)
	if err != nil {
		return err
	}
	e.events.ChangeQueued.Publish(ChangeQueued{Mutation: m})
	return nil
}

func (e *Engine) hasPending(ctx context.Context, comps *components, collection, entityID string) (bool, error) {
	pending, err := comps.ledger.Pending(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range pending {
		if m.Collection == collection && m.EntityID == entityID {
			return true, nil
		}
	}
	return false, nil
}

// remoteView shapes one feed entry the way the analyzer and the store expect
// it: payload plus version envelope, or a tombstone.
func remoteView(item remote.PullItem) record.Record {
	if item.Deleted {
		return record.Record{
			record.KeyDeleted:   true,
			record.KeyVersion:   item.ServerVersion,
			record.KeyTimestamp: record.Timestamp(item.Payload),
		}
	}
	return withVersion(item.Payload, item.ServerVersion)
}

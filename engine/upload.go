// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"

	"github.com/tomoki33/ordo-sync/conflict"
	"github.com/tomoki33/ordo-sync/ledger"
	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/remote"
)

// maxUploadRounds bounds conflict-retarget churn within one cycle; anything
// left over is picked up by the next cycle.
const maxUploadRounds = 32

// uploadPhase drains the ledger in batches and applies the backend's
// per-change verdicts. A batch-level transport error aborts the phase
// without touching retry counters: nothing reached the backend, so nothing
// failed.
func (e *Engine) uploadPhase(ctx context.Context, comps *components, provider remote.Provider, cs *CycleStats) error {
	for round := 0; round < maxUploadRounds; round++ {
		if !e.net.Online() {
			return errOffline
		}

		batch, err := comps.ledger.Drain(ctx, e.now().UTC(), comps.cfg.Engine.UploadBatchSize)
		if err != nil {
			return err
		}
		batch = firstPerEntity(batch)
		if len(batch) == 0 {
			return nil
		}

		changes := make([]remote.Change, len(batch))
		byID := make(map[string]*ledger.Mutation, len(batch))
		for i, m := range batch {
			changes[i] = remote.Change{
				ChangeID:    m.ID,
				Collection:  m.Collection,
				EntityID:    m.EntityID,
				Op:          string(m.Op),
				Payload:     m.Payload,
				BaseVersion: m.BaseVersion,
			}
			byID[m.ID] = m
		}

		res, err := provider.Push(ctx, changes)
		if err != nil {
			return err
		}

		progressed := false
		for _, st := range res.Statuses {
			m, ok := byID[st.ChangeID]
			if !ok {
				e.logger.Warn("push status for unknown change",
					"provider", provider.Name(), "change", st.ChangeID)
				continue
			}
			switch st.Status {
			case remote.PushApplied:
				if err := e.handleApplied(ctx, comps, m, st, cs); err != nil {
					return err
				}
				progressed = true
			case remote.PushConflict:
				if err := e.handleUploadConflict(ctx, comps, m, st, cs); err != nil {
					return err
				}
				progressed = true
			case remote.PushInvalid:
				if err := e.failMutation(ctx, comps, m, st.Reason, false, cs); err != nil {
					return err
				}
				progressed = true
			case remote.PushRetry:
				// Stays pending with backoff; the entity is held back until
				// the next cycle drains it again.
				if err := e.failMutation(ctx, comps, m, st.Reason, true, cs); err != nil {
					return err
				}
			default:
				e.logger.Warn("unknown push status",
					"provider", provider.Name(), "change", st.ChangeID, "status", string(st.Status))
			}
		}
		if !progressed {
			return nil
		}
	}
	e.logger.Warn("upload round limit reached, deferring remainder to next cycle")
	return nil
}

// firstPerEntity keeps only the oldest drained mutation per entity. Later
// edits to the same entity ride on its outcome: an applied upload rebases
// them onto the new version, a conflict supersedes this step entirely.
func firstPerEntity(batch []*ledger.Mutation) []*ledger.Mutation {
	seen := make(map[string]bool, len(batch))
	out := make([]*ledger.Mutation, 0, len(batch))
	for _, m := range batch {
		if seen[m.Key()] {
			continue
		}
		seen[m.Key()] = true
		out = append(out, m)
	}
	return out
}

// laterPending returns still-queued mutations for m's entity that were
// appended after m, oldest first.
func (e *Engine) laterPending(ctx context.Context, comps *components, m *ledger.Mutation) ([]*ledger.Mutation, error) {
	pending, err := comps.ledger.Pending(ctx)
	if err != nil {
		return nil, err
	}
	var out []*ledger.Mutation
	for _, p := range pending {
		if p.Collection == m.Collection && p.EntityID == m.EntityID && p.ID > m.ID {
			out = append(out, p)
		}
	}
	return out, nil
}

// handleApplied finalizes an accepted change. Later queued edits for the
// same entity rebase onto the new server version and keep the local view as
// the app last wrote it; otherwise the stored envelope adopts the version.
func (e *Engine) handleApplied(ctx context.Context, comps *components, m *ledger.Mutation, st remote.PushStatus, cs *CycleStats) error {
	if err := comps.ledger.MarkSynced(ctx, m.ID); err != nil {
		return err
	}
	cs.Uploaded++

	later, err := e.laterPending(ctx, comps, m)
	if err != nil {
		return err
	}
	if len(later) > 0 {
		for _, lm := range later {
			if err := comps.ledger.Retarget(ctx, lm.ID, st.NewVersion); err != nil {
				return err
			}
		}
		return nil
	}

	if m.Op == ledger.OpDelete {
		return e.store.Put(ctx, m.Collection, m.EntityID, tombstoneFor(st.NewVersion, e.now().UTC()))
	}
	return e.store.Put(ctx, m.Collection, m.EntityID, withVersion(m.Payload, st.NewVersion))
}

// handleUploadConflict reconciles a version-gate rejection. A newer queued
// edit supersedes the rejected one outright; otherwise the divergence goes
// through the analyzer and, when a case comes back, the resolver.
func (e *Engine) handleUploadConflict(ctx context.Context, comps *components, m *ledger.Mutation, st remote.PushStatus, cs *CycleStats) error {
	later, err := e.laterPending(ctx, comps, m)
	if err != nil {
		return err
	}
	if len(later) > 0 {
		// The entity's local history continued past this change; only its
		// final state matters. Rebase the tail onto the server row and drop
		// the intermediate step.
		if err := comps.ledger.MarkSynced(ctx, m.ID); err != nil {
			return err
		}
		for _, lm := range later {
			if err := comps.ledger.Retarget(ctx, lm.ID, st.ServerVersion); err != nil {
				return err
			}
		}
		return nil
	}

	local := m.Payload
	if m.Op == ledger.OpDelete {
		local = tombstoneFor(m.BaseVersion, m.QueuedAt.UTC())
	}
	server := serverView(st)

	c := comps.analyzer.Analyze(m.Collection, m.EntityID, local, server)
	if c == nil {
		return e.reconcileTrivial(ctx, comps, m, local, server, st.ServerVersion)
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
		// Parked for the user. The change leaves the queue so the cycle does
		// not spin; the local view keeps the user's copy until they decide.
		return comps.ledger.MarkSynced(ctx, m.ID)
	}

	cs.AutoResolved++
	if err := comps.ledger.MarkSynced(ctx, m.ID); err != nil {
		return err
	}
	return e.adoptResolution(ctx, comps, c, res, st.ServerRecord, st.ServerVersion)
}

// reconcileTrivial settles a version-gate rejection the analyzer classified
// as a non-conflict: identical content, or one side decisively newer.
func (e *Engine) reconcileTrivial(ctx context.Context, comps *components, m *ledger.Mutation, local, server record.Record, serverVersion int64) error {
	if len(record.Diff(local, server)) == 0 {
		// Both sides hold the same content; adopt the server envelope.
		if err := comps.ledger.MarkSynced(ctx, m.ID); err != nil {
			return err
		}
		return e.store.Put(ctx, m.Collection, m.EntityID, server)
	}

	if record.Timestamp(local) > record.Timestamp(server) {
		// Local is newer beyond the grace window; rebase onto the server
		// version and push it in the next round.
		return comps.ledger.Retarget(ctx, m.ID, serverVersion)
	}

	// Server is newer beyond the grace window; the local change loses.
	if err := comps.ledger.MarkSynced(ctx, m.ID); err != nil {
		return err
	}
	return e.store.Put(ctx, m.Collection, m.EntityID, server)
}

// adoptResolution installs an auto-resolution locally and, when the merged
// result differs from what the backend holds, queues it for upload so both
// sides converge on the same record.
func (e *Engine) adoptResolution(ctx context.Context, comps *components, c *conflict.Case, res *conflict.Resolution, serverContent record.Record, serverVersion int64) error {
	resolved := record.Clone(res.ResolvedData)
	if err := e.store.Put(ctx, c.Collection, c.EntityID, withVersion(resolved, serverVersion)); err != nil {
		return err
	}
	if len(record.Diff(resolved, serverContent)) == 0 {
		return nil
	}
	m, err := comps.ledger.Append(ctx, c.Collection, c.EntityID, ledger.OpUpdate, withoutVersion(resolved), serverVersion)
	if err != nil {
		return err
	}
	e.events.ChangeQueued.Publish(ChangeQueued{Mutation: m})
	return nil
}

// failMutation records a per-change rejection against the retry budget and
// fires the failure event exactly once, on the dead-letter transition.
func (e *Engine) failMutation(ctx context.Context, comps *components, m *ledger.Mutation, reason string, retryable bool, cs *CycleStats) error {
	if reason == "" {
		reason = "backend rejected change"
	}
	dead, err := comps.ledger.MarkFailed(ctx, m.ID, errors.New(reason), retryable)
	if err != nil {
		return err
	}
	if !dead {
		return nil
	}
	cs.DeadLettered++
	e.events.SyncFailed.Publish(SyncFailed{
		MutationID: m.ID,
		Collection: m.Collection,
		EntityID:   m.EntityID,
		Op:         m.Op,
		Attempts:   m.Attempts + 1,
		Reason:     reason,
	})
	e.logger.Error("change dead-lettered",
		"collection", m.Collection, "entity", m.EntityID, "op", string(m.Op),
		"attempts", m.Attempts+1, "reason", reason)
	return nil
}

// serverView reconstructs the backend row a conflicted change was gated
// against, in the shape the analyzer compares.
func serverView(st remote.PushStatus) record.Record {
	if st.ServerDeleted {
		return record.Record{
			record.KeyDeleted:   true,
			record.KeyVersion:   st.ServerVersion,
			record.KeyTimestamp: record.Timestamp(st.ServerRecord),
		}
	}
	return withVersion(st.ServerRecord, st.ServerVersion)
}

func firstWarning(res *conflict.Resolution) string {
	if len(res.Warnings) > 0 {
		return res.Warnings[0]
	}
	return "manual resolution required"
}

// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomoki33/ordo-sync/record"
)

// MemProvider is a full in-memory backend with the same semantics as the
// real providers: optimistic version checks, (device, change) idempotency
// and a sequential change feed. Tests script failures on it to exercise
// retry, failover and dead-letter paths without a network.
type MemProvider struct {
	name     string
	deviceID string

	mu        sync.Mutex
	rows      map[string]*memRow
	log       []memLogEntry
	seq       int64
	statuses  map[string]PushStatus
	rejects   map[string]string
	invalids  map[string]string
	pushErr   error
	pushFails int
	pullErr   error
	pullFails int
	pingErr   error
	pingDelay time.Duration
	pushCalls int
	pullCalls int
}

type memRow struct {
	payload record.Record
	version int64
	deleted bool
}

type memLogEntry struct {
	seq        int64
	collection string
	entityID   string
	op         string
	payload    record.Record
	version    int64
	deleted    bool
	sourceID   string
}

// RowState is a snapshot of one backend row, for test assertions.
type RowState struct {
	Payload record.Record
	Version int64
	Deleted bool
}

func NewMem(name, deviceID string) *MemProvider {
	return &MemProvider{
		name:     name,
		deviceID: deviceID,
		rows:     make(map[string]*memRow),
		statuses: make(map[string]PushStatus),
		rejects:  make(map[string]string),
		invalids: make(map[string]string),
	}
}

func (p *MemProvider) Name() string { return p.name }

func (p *MemProvider) Push(ctx context.Context, changes []Change) (*PushResult, error) {
	return p.PushAs(ctx, p.deviceID, changes)
}

// PushAs pushes on behalf of another device. Tests use it to simulate a
// second writer against the same backend.
func (p *MemProvider) PushAs(ctx context.Context, deviceID string, changes []Change) (*PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pushCalls++
	if p.pushFails > 0 {
		p.pushFails--
		return nil, p.pushErr
	}

	result := &PushResult{Statuses: make([]PushStatus, 0, len(changes))}
	for _, ch := range changes {
		result.Statuses = append(result.Statuses, p.apply(deviceID, ch))
	}
	return result, nil
}

func (p *MemProvider) apply(deviceID string, ch Change) PushStatus {
	if ch.ChangeID == "" || ch.Collection == "" || ch.EntityID == "" {
		return PushStatus{ChangeID: ch.ChangeID, Status: PushInvalid, Reason: "missing change identity"}
	}
	if ch.Op != "create" && ch.Op != "update" && ch.Op != "delete" {
		return PushStatus{ChangeID: ch.ChangeID, Status: PushInvalid, Reason: fmt.Sprintf("unknown op %q", ch.Op)}
	}

	idemKey := deviceID + "\x00" + ch.ChangeID
	if prior, ok := p.statuses[idemKey]; ok {
		return prior
	}

	key := ch.Collection + "/" + ch.EntityID
	if reason, rejected := p.rejects[key]; rejected {
		// Transient per-item refusal: no state change, no idempotency record.
		return PushStatus{ChangeID: ch.ChangeID, Status: PushRetry, Reason: reason}
	}
	if reason, invalid := p.invalids[key]; invalid {
		return PushStatus{ChangeID: ch.ChangeID, Status: PushInvalid, Reason: reason}
	}
	row := p.rows[key]
	var current int64
	if row != nil {
		current = row.version
	}

	if ch.BaseVersion != current {
		// Conflicts are recomputed on every attempt: after reconciling, the
		// client retries the same change id rebased onto a newer version.
		status := PushStatus{
			ChangeID:      ch.ChangeID,
			Status:        PushConflict,
			ServerVersion: current,
		}
		if row != nil {
			status.ServerRecord = record.Clone(row.payload)
			status.ServerDeleted = row.deleted
		}
		return status
	}

	next := current + 1
	newRow := &memRow{version: next, deleted: ch.Op == "delete"}
	if !newRow.deleted {
		newRow.payload = record.Clone(ch.Payload)
	}
	p.rows[key] = newRow

	p.seq++
	p.log = append(p.log, memLogEntry{
		seq:        p.seq,
		collection: ch.Collection,
		entityID:   ch.EntityID,
		op:         ch.Op,
		payload:    record.Clone(ch.Payload),
		version:    next,
		deleted:    newRow.deleted,
		sourceID:   deviceID,
	})
	status := PushStatus{ChangeID: ch.ChangeID, Status: PushApplied, NewVersion: next}
	p.statuses[idemKey] = status
	return status
}

func (p *MemProvider) Pull(ctx context.Context, collection string, since Checkpoint, limit int) (*PullPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pullCalls++
	if p.pullFails > 0 {
		p.pullFails--
		return nil, p.pullErr
	}
	if limit <= 0 {
		limit = 100
	}

	page := &PullPage{NextAfter: since}
	after := Seq(since)
	for _, e := range p.log {
		if e.seq <= after || e.collection != collection {
			continue
		}
		if len(page.Changes) == limit {
			page.HasMore = true
			break
		}
		page.Changes = append(page.Changes, PullItem{
			Collection:    e.collection,
			EntityID:      e.entityID,
			Op:            e.op,
			Payload:       record.Clone(e.payload),
			ServerVersion: e.version,
			Deleted:       e.deleted,
			SourceID:      e.sourceID,
		})
		page.NextAfter = SeqCheckpoint(e.seq)
	}
	return page, nil
}

func (p *MemProvider) Ping(ctx context.Context) error {
	p.mu.Lock()
	delay, err := p.pingDelay, p.pingErr
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (p *MemProvider) Close() error { return nil }

// ForDevice returns a Provider view of p whose pushes carry deviceID.
// Tests point several engines at one shared backend this way; the handle
// does not own the backend, so closing it is a no-op.
func (p *MemProvider) ForDevice(deviceID string) Provider {
	return &memHandle{p: p, deviceID: deviceID}
}

type memHandle struct {
	p        *MemProvider
	deviceID string
}

func (h *memHandle) Name() string { return h.p.name }

func (h *memHandle) Push(ctx context.Context, changes []Change) (*PushResult, error) {
	return h.p.PushAs(ctx, h.deviceID, changes)
}

func (h *memHandle) Pull(ctx context.Context, collection string, since Checkpoint, limit int) (*PullPage, error) {
	return h.p.Pull(ctx, collection, since, limit)
}

func (h *memHandle) Ping(ctx context.Context) error { return h.p.Ping(ctx) }

func (h *memHandle) Close() error { return nil }

// Seed installs a remote row as if another device had written it.
func (p *MemProvider) Seed(collection, entityID string, payload record.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := collection + "/" + entityID
	var version int64 = 1
	if row := p.rows[key]; row != nil {
		version = row.version + 1
	}
	p.rows[key] = &memRow{payload: record.Clone(payload), version: version}
	p.seq++
	p.log = append(p.log, memLogEntry{
		seq:        p.seq,
		collection: collection,
		entityID:   entityID,
		op:         "update",
		payload:    record.Clone(payload),
		version:    version,
		sourceID:   "seed",
	})
}

// Row returns the current backend state of one entity.
func (p *MemProvider) Row(collection, entityID string) (RowState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row, ok := p.rows[collection+"/"+entityID]
	if !ok {
		return RowState{}, false
	}
	return RowState{Payload: record.Clone(row.payload), Version: row.version, Deleted: row.deleted}, true
}

// FailPushes makes the next n Push calls return err without side effects.
func (p *MemProvider) FailPushes(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushFails, p.pushErr = n, err
}

// FailPulls makes the next n Pull calls return err.
func (p *MemProvider) FailPulls(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pullFails, p.pullErr = n, err
}

// RejectEntity makes Push answer every change for one entity with a retry
// status until AcceptEntity clears it.
func (p *MemProvider) RejectEntity(collection, entityID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejects[collection+"/"+entityID] = reason
}

// InvalidateEntity makes Push answer every change for one entity with a
// permanent invalid status until AcceptEntity clears it.
func (p *MemProvider) InvalidateEntity(collection, entityID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalids[collection+"/"+entityID] = reason
}

// AcceptEntity clears a RejectEntity or InvalidateEntity script.
func (p *MemProvider) AcceptEntity(collection, entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rejects, collection+"/"+entityID)
	delete(p.invalids, collection+"/"+entityID)
}

// SetPingErr makes Ping return err until cleared with nil.
func (p *MemProvider) SetPingErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingErr = err
}

// SetPingDelay adds latency to every Ping.
func (p *MemProvider) SetPingDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingDelay = d
}

// PushCalls reports how many Push batches the provider saw.
func (p *MemProvider) PushCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushCalls
}

// PullCalls reports how many Pull pages were requested.
func (p *MemProvider) PullCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pullCalls
}

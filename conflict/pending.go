// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/storage"
	"github.com/tomoki33/ordo-sync/syncerr"
)

const pendingPrefix = "conflict/pending/"

// PendingSet holds cases awaiting a user decision. It is bounded: when the
// cap is reached the oldest case is evicted and returned to the caller so
// the eviction can be surfaced, never swallowed. Entries past their TTL are
// flagged Stale on read, once, and stay queryable.
type PendingSet struct {
	mu     sync.Mutex
	kv     storage.KV
	limit  int
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewPendingSet(kv storage.KV, limit int, ttl time.Duration, logger *slog.Logger) *PendingSet {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = 200
	}
	return &PendingSet{kv: kv, limit: limit, ttl: ttl, logger: logger, now: time.Now}
}

// Add inserts a case. A pending case for the same entity with the same
// divergence is replaced only if the divergence changed; an identical
// re-detection is a no-op, so re-applying the same remote delta never
// duplicates a case. evicted is the case dropped to respect the cap, if
// any.
func (p *PendingSet) Add(ctx context.Context, c *Case) (added bool, evicted *Case, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cases, err := p.load(ctx)
	if err != nil {
		return false, nil, err
	}

	for _, existing := range cases {
		if existing.Collection != c.Collection || existing.EntityID != c.EntityID {
			continue
		}
		if record.Equal(existing.Local, c.Local) && record.Equal(existing.Remote, c.Remote) {
			return false, nil, nil
		}
		// Same entity, new divergence: the fresh case supersedes.
		if err := p.kv.Remove(ctx, pendingPrefix+existing.ID); err != nil {
			return false, nil, err
		}
		cases = removeCase(cases, existing.ID)
		break
	}

	if len(cases) >= p.limit {
		oldest := cases[0]
		if err := p.kv.Remove(ctx, pendingPrefix+oldest.ID); err != nil {
			return false, nil, err
		}
		evicted = oldest
		p.logger.Warn("pending conflict evicted at capacity",
			"evicted", oldest.ID, "collection", oldest.Collection, "entity", oldest.EntityID)
	}

	if err := p.put(ctx, c); err != nil {
		return false, evicted, err
	}
	return true, evicted, nil
}

// List returns pending cases oldest first. Cases past the TTL are marked
// stale; newlyStale holds the ones whose flag flipped during this call so
// the caller can report each exactly once.
func (p *PendingSet) List(ctx context.Context) (cases []*Case, newlyStale []*Case, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cases, err = p.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	if p.ttl <= 0 {
		return cases, nil, nil
	}

	cutoff := p.now().Add(-p.ttl)
	for _, c := range cases {
		if !c.Stale && c.DetectedAt.Before(cutoff) {
			c.Stale = true
			if err := p.put(ctx, c); err != nil {
				return nil, nil, err
			}
			newlyStale = append(newlyStale, c)
		}
	}
	return cases, newlyStale, nil
}

// ForEntity returns the case parked for one entity, nil when none. At most
// one case is pending per entity; a newer divergence supersedes in Add.
func (p *PendingSet) ForEntity(ctx context.Context, collection, entityID string) (*Case, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cases, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cases {
		if c.Collection == collection && c.EntityID == entityID {
			return c, nil
		}
	}
	return nil, nil
}

// Get returns one pending case by id, nil when absent.
func (p *PendingSet) Get(ctx context.Context, id string) (*Case, error) {
	raw, ok, err := p.kv.Get(ctx, pendingPrefix+id)
	if err != nil || !ok {
		return nil, err
	}
	var c Case
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, syncerr.Storage(syncerr.OpStore, fmt.Errorf("decode pending case %s: %w", id, err))
	}
	return &c, nil
}

// Remove deletes and returns a pending case, nil when absent.
func (p *PendingSet) Remove(ctx context.Context, id string) (*Case, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.Get(ctx, id)
	if err != nil || c == nil {
		return nil, err
	}
	if err := p.kv.Remove(ctx, pendingPrefix+id); err != nil {
		return nil, err
	}
	return c, nil
}

// Len returns the number of pending cases.
func (p *PendingSet) Len(ctx context.Context) (int, error) {
	keys, err := p.kv.ListKeys(ctx, pendingPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (p *PendingSet) put(ctx context.Context, c *Case) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return syncerr.Storage(syncerr.OpStore, fmt.Errorf("encode case %s: %w", c.ID, err))
	}
	return p.kv.Set(ctx, pendingPrefix+c.ID, raw)
}

// load returns cases ordered by key, which is detection order because case
// ids are ULIDs.
func (p *PendingSet) load(ctx context.Context) ([]*Case, error) {
	keys, err := p.kv.ListKeys(ctx, pendingPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Case, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := p.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var c Case
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, syncerr.Storage(syncerr.OpStore, fmt.Errorf("decode %s: %w", key, err))
		}
		out = append(out, &c)
	}
	return out, nil
}

func removeCase(cases []*Case, id string) []*Case {
	for i, c := range cases {
		if c.ID == id {
			return append(cases[:i], cases[i+1:]...)
		}
	}
	return cases
}

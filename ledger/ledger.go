// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger is the durable outbox between local writes and the sync
// engine. Every offline mutation lands here before anything else happens;
// the engine drains it in order during the upload phase. Entries that keep
// failing move to a dead-letter area instead of blocking the queue forever.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/storage"
	"github.com/tomoki33/ordo-sync/syncerr"
)

// Op is the kind of local mutation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (op Op) valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// Mutation is one queued local change. ID is a ULID assigned at append time;
// its lexicographic order is the queue order.
type Mutation struct {
	ID          string        `json:"id"`
	Collection  string        `json:"collection"`
	EntityID    string        `json:"entityId"`
	Op          Op            `json:"op"`
	Payload     record.Record `json:"payload,omitempty"`
	ContentHash string        `json:"contentHash"`
	BaseVersion int64         `json:"baseVersion"`
	QueuedAt    time.Time     `json:"queuedAt"`

	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	DeadAt        time.Time `json:"deadAt,omitempty"`
}

// Key returns the entity identity this mutation targets.
func (m *Mutation) Key() string {
	return storage.Join(m.Collection, m.EntityID)
}

const (
	pendingPrefix = "ledger/pending/"
	deadPrefix    = "ledger/dead/"
)

// Config tunes retry behavior. MaxRetries counts upload attempts before an
// entry dead-letters; backoff doubles per attempt from Base up to Max.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Ledger stores mutations in a KV under ledger/pending/<ulid> and
// ledger/dead/<ulid>. All methods are safe for concurrent use as long as the
// underlying KV is.
type Ledger struct {
	kv     storage.KV
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(kv storage.KV, cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	return &Ledger{kv: kv, cfg: cfg, logger: logger, now: time.Now}
}

// Append queues a mutation. The entry is durable when Append returns. A
// pending entry for the same entity with the same content hash is returned
// as-is instead of queuing a duplicate, so repeated saves of identical state
// cost one upload.
func (l *Ledger) Append(ctx context.Context, collection, entityID string, op Op, payload record.Record, baseVersion int64) (*Mutation, error) {
	if collection == "" || entityID == "" {
		return nil, syncerr.Permanent(syncerr.OpAppend, "ledger", fmt.Errorf("collection and entity id are required"))
	}
	if !op.valid() {
		return nil, syncerr.Permanent(syncerr.OpAppend, "ledger", fmt.Errorf("unknown op %q", op))
	}
	if op != OpDelete && payload == nil {
		return nil, syncerr.Permanent(syncerr.OpAppend, "ledger", fmt.Errorf("%s requires a payload", op))
	}

	hash := record.Hash(payload)

	// Idempotent append: same entity, same content, still pending.
	pending, err := l.Pending(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range pending {
		if m.Collection == collection && m.EntityID == entityID && m.ContentHash == hash && m.Op == op {
			return m, nil
		}
	}

	m := &Mutation{
		ID:          ulid.Make().String(),
		Collection:  collection,
		EntityID:    entityID,
		Op:          op,
		Payload:     record.Clone(payload),
		ContentHash: hash,
		BaseVersion: baseVersion,
		QueuedAt:    l.now().UTC(),
	}
	if err := l.put(ctx, pendingPrefix, m); err != nil {
		return nil, err
	}
	l.logger.Debug("ledger append",
		"id", m.ID, "collection", collection, "entity", entityID, "op", op)
	return m, nil
}

// Pending returns every queued mutation in queue order, including entries
// whose backoff has not elapsed.
func (l *Ledger) Pending(ctx context.Context) ([]*Mutation, error) {
	return l.list(ctx, pendingPrefix)
}

// Drain returns up to limit mutations that are due for upload at time now,
// in queue order. Entities with an earlier entry still backing off are held
// back entirely: uploads for one entity never jump the queue past a failed
// predecessor. limit <= 0 means no limit.
func (l *Ledger) Drain(ctx context.Context, now time.Time, limit int) ([]*Mutation, error) {
	pending, err := l.Pending(ctx)
	if err != nil {
		return nil, err
	}

	blocked := map[string]bool{}
	var due []*Mutation
	for _, m := range pending {
		key := m.Key()
		if blocked[key] {
			continue
		}
		if !m.NextAttemptAt.IsZero() && now.Before(m.NextAttemptAt) {
			blocked[key] = true
			continue
		}
		due = append(due, m)
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}

// MarkSynced removes acknowledged mutations from the queue.
func (l *Ledger) MarkSynced(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if err := l.kv.Remove(ctx, pendingPrefix+id); err != nil {
			return err
		}
	}
	return nil
}

// MarkFailed records a failed upload attempt. Retryable failures bump the
// attempt counter and push NextAttemptAt out exponentially. Once attempts
// exceed MaxRetries, or immediately for non-retryable failures, the entry
// moves to the dead-letter area; deadLettered is true exactly on that
// transition so the caller emits exactly one failure notification.
func (l *Ledger) MarkFailed(ctx context.Context, id string, cause error, retryable bool) (deadLettered bool, err error) {
	m, err := l.get(ctx, pendingPrefix, id)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}

	m.Attempts++
	if cause != nil {
		m.LastError = cause.Error()
	}

	if retryable && m.Attempts <= l.cfg.MaxRetries {
		m.NextAttemptAt = l.now().UTC().Add(l.backoff(m.Attempts))
		if err := l.put(ctx, pendingPrefix, m); err != nil {
			return false, err
		}
		l.logger.Debug("ledger retry scheduled",
			"id", m.ID, "attempts", m.Attempts, "next_attempt_at", m.NextAttemptAt)
		return false, nil
	}

	m.DeadAt = l.now().UTC()
	if err := l.put(ctx, deadPrefix, m); err != nil {
		return false, err
	}
	if err := l.kv.Remove(ctx, pendingPrefix+id); err != nil {
		return false, err
	}
	l.logger.Warn("ledger entry dead-lettered",
		"id", m.ID, "collection", m.Collection, "entity", m.EntityID,
		"attempts", m.Attempts, "last_error", m.LastError)
	return true, nil
}

// Retarget rebases a pending mutation onto a new server version after a
// conflict round resolved the entity underneath it. Any scheduled backoff is
// cleared; the rebased entry is due immediately. Missing ids are a no-op.
func (l *Ledger) Retarget(ctx context.Context, id string, baseVersion int64) error {
	m, err := l.get(ctx, pendingPrefix, id)
	if err != nil || m == nil {
		return err
	}
	m.BaseVersion = baseVersion
	m.NextAttemptAt = time.Time{}
	return l.put(ctx, pendingPrefix, m)
}

// DeadLetters returns dead-lettered mutations, oldest first.
func (l *Ledger) DeadLetters(ctx context.Context) ([]*Mutation, error) {
	return l.list(ctx, deadPrefix)
}

// Requeue moves a dead-lettered mutation back to the pending queue with a
// fresh ID and a zeroed attempt counter. Returns the requeued mutation, or
// nil when the id is not in the dead-letter area.
func (l *Ledger) Requeue(ctx context.Context, id string) (*Mutation, error) {
	m, err := l.get(ctx, deadPrefix, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}

	m.ID = ulid.Make().String()
	m.Attempts = 0
	m.LastError = ""
	m.NextAttemptAt = time.Time{}
	m.DeadAt = time.Time{}
	if err := l.put(ctx, pendingPrefix, m); err != nil {
		return nil, err
	}
	if err := l.kv.Remove(ctx, deadPrefix+id); err != nil {
		return nil, err
	}
	l.logger.Info("ledger entry requeued", "old_id", id, "id", m.ID)
	return m, nil
}

// PendingCount returns the queue depth.
func (l *Ledger) PendingCount(ctx context.Context) (int, error) {
	keys, err := l.kv.ListKeys(ctx, pendingPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// OldestPending returns the queued-at time of the oldest entry, zero when
// the queue is empty.
func (l *Ledger) OldestPending(ctx context.Context) (time.Time, error) {
	pending, err := l.Pending(ctx)
	if err != nil || len(pending) == 0 {
		return time.Time{}, err
	}
	return pending[0].QueuedAt, nil
}

func (l *Ledger) backoff(attempts int) time.Duration {
	d := l.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= l.cfg.BackoffMax {
			return l.cfg.BackoffMax
		}
	}
	if d > l.cfg.BackoffMax {
		d = l.cfg.BackoffMax
	}
	return d
}

func (l *Ledger) put(ctx context.Context, prefix string, m *Mutation) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return syncerr.Storage(syncerr.OpAppend, fmt.Errorf("encode mutation %s: %w", m.ID, err))
	}
	return l.kv.Set(ctx, prefix+m.ID, raw)
}

func (l *Ledger) get(ctx context.Context, prefix, id string) (*Mutation, error) {
	raw, ok, err := l.kv.Get(ctx, prefix+id)
	if err != nil || !ok {
		return nil, err
	}
	var m Mutation
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, syncerr.Storage(syncerr.OpStore, fmt.Errorf("decode mutation %s: %w", id, err))
	}
	return &m, nil
}

func (l *Ledger) list(ctx context.Context, prefix string) ([]*Mutation, error) {
	keys, err := l.kv.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make([]*Mutation, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := l.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var m Mutation
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, syncerr.Storage(syncerr.OpStore, fmt.Errorf("decode %s: %w", key, err))
		}
		out = append(out, &m)
	}
	return out, nil
}

// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/storage"
	"github.com/tomoki33/ordo-sync/syncerr"
)

const dataPrefix = "data/"

// Store is the engine's local state view, one record per entity under
// data/<collection>/<id>. Local writes and reconciled remote state both land
// here; deletes keep a tombstone so later stale updates cannot resurrect an
// entity unseen.
type Store struct {
	kv storage.KV
}

func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv}
}

// Entry is one listed entity.
type Entry struct {
	ID     string
	Record record.Record
}

// Get returns the stored record, tombstones included. Callers that care
// check record.IsDeleted.
func (s *Store) Get(ctx context.Context, collection, id string) (record.Record, bool, error) {
	raw, ok, err := s.kv.Get(ctx, s.key(collection, id))
	if err != nil || !ok {
		return nil, false, err
	}
	r, err := record.FromJSON(raw)
	if err != nil {
		return nil, false, syncerr.Storage(syncerr.OpStore, fmt.Errorf("decode %s/%s: %w", collection, id, err))
	}
	return r, true, nil
}

// Put replaces the stored record.
func (s *Store) Put(ctx context.Context, collection, id string, r record.Record) error {
	raw, err := record.ToJSON(r)
	if err != nil {
		return syncerr.Storage(syncerr.OpStore, err)
	}
	return s.kv.Set(ctx, s.key(collection, id), raw)
}

// Delete marks the entity as a tombstone, preserving the version envelope so
// the deletion can still win or lose against concurrent remote edits.
func (s *Store) Delete(ctx context.Context, collection, id string, at time.Time) error {
	cur, ok, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	t := record.Record{record.KeyDeleted: true, record.KeyTimestamp: at.UnixMilli()}
	if ok {
		t[record.KeyVersion] = record.Version(cur)
	}
	return s.Put(ctx, collection, id, t)
}

// List returns the live entities of a collection in id order, tombstones
// excluded.
func (s *Store) List(ctx context.Context, collection string) ([]Entry, error) {
	prefix := dataPrefix + collection + "/"
	keys, err := s.kv.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var r record.Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, syncerr.Storage(syncerr.OpStore, fmt.Errorf("decode %s: %w", key, err))
		}
		if record.IsDeleted(r) {
			continue
		}
		out = append(out, Entry{ID: strings.TrimPrefix(key, prefix), Record: r})
	}
	return out, nil
}

func (s *Store) key(collection, id string) string {
	return dataPrefix + storage.Join(collection, id)
}

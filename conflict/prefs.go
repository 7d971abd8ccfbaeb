// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomoki33/ordo-sync/storage"
	"github.com/tomoki33/ordo-sync/syncerr"
)

const prefPrefix = "conflict/prefs/"

// Preferences stores per-collection strategy choices made by the user. They
// outrank every rule during resolution and drive the analyzer's first
// recommendation step.
type Preferences struct {
	mu    sync.RWMutex
	kv    storage.KV
	cache map[string]Strategy
}

// LoadPreferences reads the persisted preference map.
func LoadPreferences(ctx context.Context, kv storage.KV) (*Preferences, error) {
	p := &Preferences{kv: kv, cache: make(map[string]Strategy)}
	keys, err := kv.ListKeys(ctx, prefPrefix)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		raw, ok, err := kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		collection := key[len(prefPrefix):]
		s := Strategy(raw)
		if !s.Valid() {
			continue
		}
		p.cache[collection] = s
	}
	return p, nil
}

// Set stores the preferred strategy for a collection. Unknown strategies
// are rejected. Manual is allowed: it routes every conflict of the
// collection to the pending set.
func (p *Preferences) Set(ctx context.Context, collection string, s Strategy) error {
	if collection == "" {
		return syncerr.Config(fmt.Errorf("preference requires a collection"))
	}
	if !s.Valid() {
		return syncerr.Config(fmt.Errorf("unknown strategy %q", s))
	}
	if err := p.kv.Set(ctx, prefPrefix+collection, []byte(s)); err != nil {
		return err
	}
	p.mu.Lock()
	p.cache[collection] = s
	p.mu.Unlock()
	return nil
}

// Preference implements PreferenceSource.
func (p *Preferences) Preference(collection string) (Strategy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.cache[collection]
	return s, ok
}

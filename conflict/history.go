// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tomoki33/ordo-sync/storage"
	"github.com/tomoki33/ordo-sync/syncerr"
)

const historyPrefix = "conflict/history/"

// History is the bounded, persisted log of resolutions. Oldest entries are
// evicted FIFO past the limit. It feeds the statistics the host app shows
// on its sync screen.
type History struct {
	mu    sync.Mutex
	kv    storage.KV
	limit int
	now   func() time.Time
}

func NewHistory(kv storage.KV, limit int) *History {
	if limit <= 0 {
		limit = 500
	}
	return &History{kv: kv, limit: limit, now: time.Now}
}

// Append records a resolution and trims the log to the limit.
func (h *History) Append(ctx context.Context, res *Resolution) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	raw, err := json.Marshal(res)
	if err != nil {
		return syncerr.Storage(syncerr.OpStore, fmt.Errorf("encode resolution for %s: %w", res.ConflictID, err))
	}
	if err := h.kv.Set(ctx, historyPrefix+ulid.Make().String(), raw); err != nil {
		return err
	}

	keys, err := h.kv.ListKeys(ctx, historyPrefix)
	if err != nil {
		return err
	}
	for len(keys) > h.limit {
		if err := h.kv.Remove(ctx, keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

// List returns resolutions oldest first.
func (h *History) List(ctx context.Context) ([]*Resolution, error) {
	keys, err := h.kv.ListKeys(ctx, historyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Resolution, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := h.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var res Resolution
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, syncerr.Storage(syncerr.OpStore, fmt.Errorf("decode %s: %w", key, err))
		}
		out = append(out, &res)
	}
	return out, nil
}

// Stats summarizes the resolution history.
type Stats struct {
	Total         int              `json:"total"`
	AutoResolved  int              `json:"autoResolved"`
	SuccessRate   float64          `json:"successRate"`
	PerStrategy   map[Strategy]int `json:"perStrategy"`
	AvgConfidence float64          `json:"avgConfidence"`
	Last24h       int              `json:"last24h"`
}

// Stats computes aggregates over the retained history window.
func (h *History) Stats(ctx context.Context) (*Stats, error) {
	entries, err := h.List(ctx)
	if err != nil {
		return nil, err
	}

	s := &Stats{PerStrategy: make(map[Strategy]int)}
	s.Total = len(entries)
	if s.Total == 0 {
		return s, nil
	}

	dayAgo := h.now().Add(-24 * time.Hour)
	var confidenceSum float64
	for _, res := range entries {
		s.PerStrategy[res.StrategyUsed]++
		confidenceSum += res.Confidence
		if !res.RequiresUserAction {
			s.AutoResolved++
		}
		if res.ResolvedAt.After(dayAgo) {
			s.Last24h++
		}
	}
	s.SuccessRate = float64(s.AutoResolved) / float64(s.Total)
	s.AvgConfidence = confidenceSum / float64(s.Total)
	return s, nil
}

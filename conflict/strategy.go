// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/tomoki33/ordo-sync/config"
	"github.com/tomoki33/ordo-sync/record"
)

// Strategy names a resolution algorithm.
type Strategy string

const (
	StrategyTimestampWins Strategy = "timestamp-wins"
	StrategyClientWins    Strategy = "client-wins"
	StrategyServerWins    Strategy = "server-wins"
	StrategyMergeDeep     Strategy = "merge-deep"
	StrategyMergeShallow  Strategy = "merge-shallow"
	StrategyFieldPriority Strategy = "field-priority"
	StrategyHeuristic     Strategy = "heuristic"
	StrategyCustom        Strategy = "custom"
	StrategyManual        Strategy = "manual"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTimestampWins, StrategyClientWins, StrategyServerWins,
		StrategyMergeDeep, StrategyMergeShallow, StrategyFieldPriority,
		StrategyHeuristic, StrategyCustom, StrategyManual:
		return true
	}
	return false
}

// Confidence defaults per strategy. Values come from product calibration and
// can be overridden through Resolver.Confidence config.
var defaultConfidence = map[Strategy]float64{
	StrategyTimestampWins: 0.9,
	StrategyClientWins:    0.85,
	StrategyServerWins:    0.85,
	StrategyMergeDeep:     0.75,
	StrategyMergeShallow:  0.7,
	StrategyFieldPriority: 0.8,
	StrategyCustom:        0.9,
	StrategyManual:        0,
}

// strategyOutcome is the raw result of running a merge strategy.
type strategyOutcome struct {
	data       record.Record
	confidence float64
	warnings   []string
}

// strategyEnv carries the tunables strategies read.
type strategyEnv struct {
	cfg config.Resolver
	// heuristicWindow bounds the "clearly newer" shortcut in the heuristic
	// strategy.
	heuristicWindow time.Duration
}

func (e strategyEnv) confidence(s Strategy) float64 {
	if v, ok := e.cfg.Confidence[string(s)]; ok {
		return v
	}
	return defaultConfidence[s]
}

// runMergeStrategy executes one of the pure merge strategies. Manual and
// custom are handled by the resolver, not here.
func runMergeStrategy(s Strategy, c *Case, env strategyEnv) (*strategyOutcome, error) {
	switch s {
	case StrategyTimestampWins:
		return timestampWins(c, env), nil
	case StrategyClientWins:
		return &strategyOutcome{data: record.Clone(c.Local), confidence: env.confidence(s)}, nil
	case StrategyServerWins:
		return &strategyOutcome{data: record.Clone(c.Remote), confidence: env.confidence(s)}, nil
	case StrategyMergeDeep:
		return &strategyOutcome{data: record.MergeDeep(c.Local, c.Remote), confidence: env.confidence(s)}, nil
	case StrategyMergeShallow:
		return &strategyOutcome{data: record.MergeShallow(c.Local, c.Remote), confidence: env.confidence(s)}, nil
	case StrategyFieldPriority:
		return fieldPriority(c, env), nil
	case StrategyHeuristic:
		return heuristic(c, env), nil
	default:
		return nil, fmt.Errorf("strategy %q is not a merge strategy", s)
	}
}

// timestampWins returns the side with the larger timestamp verbatim. Ties
// keep local so a device never discards its own copy without cause.
func timestampWins(c *Case, env strategyEnv) *strategyOutcome {
	winner := c.Local
	if c.RemoteTimestamp > c.LocalTimestamp {
		winner = c.Remote
	}
	return &strategyOutcome{data: record.Clone(winner), confidence: env.confidence(StrategyTimestampWins)}
}

// fieldPriority builds the result field by field from a static
// "<collection>.<field>" -> local|remote map; unmapped fields fall back to
// the side with the larger timestamp.
func fieldPriority(c *Case, env strategyEnv) *strategyOutcome {
	newerIsRemote := c.RemoteTimestamp > c.LocalTimestamp

	base := c.Local
	other := c.Remote
	if newerIsRemote {
		base, other = c.Remote, c.Local
	}
	out := record.Clone(base)

	var warnings []string
	fields := append([]string(nil), c.ConflictedFields...)
	sort.Strings(fields)
	for _, field := range fields {
		side, mapped := env.cfg.FieldPriorities[c.Collection+"."+field]
		if !mapped {
			continue
		}
		src := c.Local
		if side == "remote" {
			src = c.Remote
		}
		if v, ok := record.LookupPath(src, field); ok {
			setPath(out, field, v)
		} else {
			// Mapped side lacks the field entirely: keep the other side's
			// value rather than dropping data.
			if v, ok := record.LookupPath(other, field); ok {
				setPath(out, field, v)
			}
			warnings = append(warnings, fmt.Sprintf("field %s missing on preferred %s side", field, side))
		}
	}
	return &strategyOutcome{data: out, confidence: env.confidence(StrategyFieldPriority), warnings: warnings}
}

// heuristic resolves clearly-sequential edits to the newer side; genuinely
// concurrent edits get a shallow merge flagged for review.
func heuristic(c *Case, env strategyEnv) *strategyOutcome {
	delta := c.LocalTimestamp - c.RemoteTimestamp
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Millisecond > env.heuristicWindow {
		out := timestampWins(c, env)
		out.confidence = 0.9
		return out
	}
	merged := record.MergeShallow(c.Local, c.Remote)
	return &strategyOutcome{
		data:       merged,
		confidence: 0.6,
		warnings:   []string{"concurrent edits merged shallowly; review recommended"},
	}
}

// setPath writes a value at a dotted path, creating intermediate maps.
func setPath(r record.Record, path string, v any) {
	cur := map[string]any(r)
	for {
		i := -1
		for j := 0; j < len(path); j++ {
			if path[j] == '.' {
				i = j
				break
			}
		}
		if i < 0 {
			cur[path] = v
			return
		}
		key, rest := path[:i], path[i+1:]
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
		path = rest
	}
}

// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/tomoki33/ordo-sync/storage"
	"github.com/tomoki33/ordo-sync/syncerr"
)

// Rule selects a strategy for matching conflicts. CollectionPattern is a
// glob ("*" matches everything); Predicate is an optional expr-lang boolean
// over the conflict; ResolverName points at a registered custom resolver
// when Strategy is custom.
type Rule struct {
	ID                string   `json:"id"`
	CollectionPattern string   `json:"collectionPattern"`
	FieldPattern      string   `json:"fieldPattern,omitempty"`
	Priority          int      `json:"priority"`
	Strategy          Strategy `json:"strategy"`
	Predicate         string   `json:"predicate,omitempty"`
	ResolverName      string   `json:"resolverName,omitempty"`
	Enabled           bool     `json:"enabled"`

	seq     int
	program *vm.Program
}

// predicateEnv is the compile-time shape of predicate expressions. Values
// mirror what Run passes at dispatch.
var predicateEnv = map[string]any{
	"collection":       "",
	"entityId":         "",
	"conflictType":     "",
	"severity":         "",
	"conflictedFields": []string{},
	"local":            map[string]any{},
	"remote":           map[string]any{},
	"localTimestamp":   int64(0),
	"remoteTimestamp":  int64(0),
}

const rulePrefix = "conflict/rules/"

// RuleSet holds the resolution rules, persisted declaratively in the KV.
// Compiled predicate programs live in memory and are rebuilt on load.
type RuleSet struct {
	mu      sync.RWMutex
	kv      storage.KV
	rules   []*Rule
	nextSeq int
	logger  *slog.Logger
}

// LoadRules builds a RuleSet from the KV contents.
func LoadRules(ctx context.Context, kv storage.KV, logger *slog.Logger) (*RuleSet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rs := &RuleSet{kv: kv, logger: logger}

	keys, err := kv.ListKeys(ctx, rulePrefix)
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
		var r Rule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, syncerr.Storage(syncerr.OpStore, fmt.Errorf("decode rule %s: %w", key, err))
		}
		if err := rs.compile(&r); err != nil {
			// A rule that no longer compiles is disabled, not dropped.
			logger.Warn("disabling persisted rule with invalid predicate", "rule", r.ID, "error", err)
			r.Enabled = false
		}
		r.seq = rs.nextSeq
		rs.nextSeq++
		rs.rules = append(rs.rules, &r)
	}
	return rs, nil
}

// Add validates, persists and activates a rule, returning its id. Malformed
// rules are rejected here and never reach dispatch.
func (rs *RuleSet) Add(ctx context.Context, r Rule) (string, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CollectionPattern == "" {
		return "", syncerr.Config(fmt.Errorf("rule %s: collection pattern is required", r.ID))
	}
	if _, err := path.Match(r.CollectionPattern, "probe"); err != nil {
		return "", syncerr.Config(fmt.Errorf("rule %s: bad collection pattern %q: %w", r.ID, r.CollectionPattern, err))
	}
	if r.FieldPattern != "" {
		if _, err := path.Match(r.FieldPattern, "probe"); err != nil {
			return "", syncerr.Config(fmt.Errorf("rule %s: bad field pattern %q: %w", r.ID, r.FieldPattern, err))
		}
	}
	if !r.Strategy.Valid() {
		return "", syncerr.Config(fmt.Errorf("rule %s: unknown strategy %q", r.ID, r.Strategy))
	}
	if r.Strategy == StrategyCustom && r.ResolverName == "" {
		return "", syncerr.Config(fmt.Errorf("rule %s: custom strategy requires a resolver name", r.ID))
	}
	if err := rs.compile(&r); err != nil {
		return "", syncerr.Config(fmt.Errorf("rule %s: predicate does not compile: %w", r.ID, err))
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, existing := range rs.rules {
		if existing.ID == r.ID {
			return "", syncerr.Config(fmt.Errorf("rule %s already exists", r.ID))
		}
	}

	raw, err := json.Marshal(&r)
	if err != nil {
		return "", syncerr.Storage(syncerr.OpStore, fmt.Errorf("encode rule %s: %w", r.ID, err))
	}
	if err := rs.kv.Set(ctx, rulePrefix+r.ID, raw); err != nil {
		return "", err
	}

	r.seq = rs.nextSeq
	rs.nextSeq++
	rs.rules = append(rs.rules, &r)
	rs.logger.Info("resolution rule added",
		"rule", r.ID, "pattern", r.CollectionPattern, "strategy", r.Strategy, "priority", r.Priority)
	return r.ID, nil
}

// Upsert replaces a rule with the same ID or adds it.
func (rs *RuleSet) Upsert(ctx context.Context, r Rule) (string, error) {
	rs.mu.Lock()
	for i, existing := range rs.rules {
		if existing.ID == r.ID {
			rs.rules = append(rs.rules[:i], rs.rules[i+1:]...)
			break
		}
	}
	rs.mu.Unlock()
	_ = rs.kv.Remove(ctx, rulePrefix+r.ID)
	return rs.Add(ctx, r)
}

// SetEnabled flips a rule's enabled flag.
func (rs *RuleSet) SetEnabled(ctx context.Context, id string, enabled bool) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rs.rules {
		if r.ID != id {
			continue
		}
		r.Enabled = enabled
		raw, err := json.Marshal(r)
		if err != nil {
			return syncerr.Storage(syncerr.OpStore, fmt.Errorf("encode rule %s: %w", id, err))
		}
		return rs.kv.Set(ctx, rulePrefix+id, raw)
	}
	return syncerr.Config(fmt.Errorf("rule %s not found", id))
}

// Rules returns a snapshot sorted by priority descending, declaration order
// on ties.
func (rs *RuleSet) Rules() []*Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]*Rule, len(rs.rules))
	copy(out, rs.rules)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Match returns the enabled rules applicable to c, best first. Predicate
// runtime failures skip the rule rather than aborting resolution.
func (rs *RuleSet) Match(c *Case) []*Rule {
	var matched []*Rule
	for _, r := range rs.Rules() {
		if !r.Enabled {
			continue
		}
		if ok, _ := path.Match(r.CollectionPattern, c.Collection); !ok {
			continue
		}
		if r.FieldPattern != "" && !matchesAnyField(r.FieldPattern, c.ConflictedFields) {
			continue
		}
		if r.program != nil {
			pass, err := rs.runPredicate(r, c)
			if err != nil {
				rs.logger.Warn("rule predicate failed at runtime, skipping rule",
					"rule", r.ID, "error", err)
				continue
			}
			if !pass {
				continue
			}
		}
		matched = append(matched, r)
	}
	return matched
}

// TopRuleStrategy implements RecommendationSource: the strategy of the
// highest-priority enabled rule whose collection pattern matches.
func (rs *RuleSet) TopRuleStrategy(collection string) (Strategy, string, bool) {
	for _, r := range rs.Rules() {
		if !r.Enabled {
			continue
		}
		if ok, _ := path.Match(r.CollectionPattern, collection); ok {
			return r.Strategy, r.ID, true
		}
	}
	return "", "", false
}

func (rs *RuleSet) compile(r *Rule) error {
	if r.Predicate == "" {
		r.program = nil
		return nil
	}
	program, err := expr.Compile(r.Predicate, expr.Env(predicateEnv), expr.AsBool())
	if err != nil {
		return err
	}
	r.program = program
	return nil
}

func (rs *RuleSet) runPredicate(r *Rule, c *Case) (bool, error) {
	env := map[string]any{
		"collection":       c.Collection,
		"entityId":         c.EntityID,
		"conflictType":     string(c.Type),
		"severity":         string(c.Severity),
		"conflictedFields": c.ConflictedFields,
		"local":            map[string]any(c.Local),
		"remote":           map[string]any(c.Remote),
		"localTimestamp":   c.LocalTimestamp,
		"remoteTimestamp":  c.RemoteTimestamp,
	}
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false, err
	}
	pass, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("predicate returned %T, want bool", out)
	}
	return pass, nil
}

func matchesAnyField(pattern string, fields []string) bool {
	for _, f := range fields {
		if ok, _ := path.Match(pattern, f); ok {
			return true
		}
	}
	return false
}

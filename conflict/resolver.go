// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomoki33/ordo-sync/config"
	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/syncerr"
)

// CustomResolver merges a conflict with caller-supplied logic. A panic or
// error escalates the case to manual resolution; it never propagates.
type CustomResolver func(c *Case) (record.Record, error)

// Resolver dispatches cases to strategies. Order of precedence: the user's
// per-collection preference, then the best matching rule, then manual
// fallback when nothing applies. Every outcome lands in the history.
type Resolver struct {
	env     strategyEnv
	rules   *RuleSet
	prefs   *Preferences
	history *History
	pending *PendingSet
	customs map[string]CustomResolver
	logger  *slog.Logger
	now     func() time.Time
}

func NewResolver(resolverCfg config.Resolver, analyzerCfg config.Analyzer, rules *RuleSet, prefs *Preferences, history *History, pending *PendingSet, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		env:     strategyEnv{cfg: resolverCfg, heuristicWindow: analyzerCfg.HeuristicWindow.Std()},
		rules:   rules,
		prefs:   prefs,
		history: history,
		pending: pending,
		customs: make(map[string]CustomResolver),
		logger:  logger,
		now:     time.Now,
	}
}

// DefaultRules returns the rule set installed on first run: everything
// resolves by timestamp unless the user or the host app says otherwise.
func DefaultRules() []Rule {
	return []Rule{{
		ID:                "default-timestamp-wins",
		CollectionPattern: "*",
		Priority:          0,
		Strategy:          StrategyTimestampWins,
		Enabled:           true,
	}}
}

// RegisterResolver makes fn available to rules with strategy custom under
// the given name. Re-registration replaces the previous function; apps call
// this at startup since functions cannot be persisted.
func (r *Resolver) RegisterResolver(name string, fn CustomResolver) error {
	if name == "" || fn == nil {
		return syncerr.Config(fmt.Errorf("custom resolver needs a name and a function"))
	}
	r.customs[name] = fn
	return nil
}

// Resolve picks and executes a strategy for c. The returned error is only
// ever a storage failure: strategy-level problems (no applicable rule,
// custom resolver failure) degrade to a manual escalation so no data is
// dropped.
//
// Cases the analyzer marked non-auto-resolvable (deletions, critical-field
// divergence, too many conflicted fields) never reach a merge strategy,
// regardless of preferences or rules.
func (r *Resolver) Resolve(ctx context.Context, c *Case) (*Resolution, error) {
	if !c.AutoResolvable {
		r.logger.Warn("case is not auto-resolvable, escalating to manual",
			"conflict", c.ID, "collection", c.Collection,
			"type", c.Type, "severity", c.Severity)
		return r.escalate(ctx, c, nil, fmt.Sprintf("%s conflict with %s severity requires user review", c.Type, c.Severity))
	}

	if s, ok := r.prefs.Preference(c.Collection); ok {
		return r.execute(ctx, c, s, "preference:"+c.Collection, nil)
	}

	matched := r.rules.Match(c)
	if len(matched) == 0 {
		r.logger.Warn("no applicable resolution rule, escalating to manual",
			"conflict", c.ID, "collection", c.Collection,
			"error", syncerr.ErrNoApplicableRule)
		return r.escalate(ctx, c, nil, "no applicable resolution rule")
	}

	top := matched[0]
	return r.execute(ctx, c, top.Strategy, top.ID, top)
}

func (r *Resolver) execute(ctx context.Context, c *Case, s Strategy, ruleID string, rule *Rule) (*Resolution, error) {
	switch s {
	case StrategyManual:
		return r.escalate(ctx, c, []string{ruleID}, "manual strategy selected")
	case StrategyCustom:
		return r.runCustom(ctx, c, ruleID, rule)
	default:
		outcome, err := runMergeStrategy(s, c, r.env)
		if err != nil {
			r.logger.Error("strategy dispatch failed, escalating to manual",
				"conflict", c.ID, "strategy", s, "error", err)
			return r.escalate(ctx, c, []string{ruleID}, err.Error())
		}
		res := &Resolution{
			ConflictID:   c.ID,
			Collection:   c.Collection,
			EntityID:     c.EntityID,
			ResolvedData: outcome.data,
			StrategyUsed: s,
			AppliedRules: []string{ruleID},
			Confidence:   outcome.confidence,
			Warnings:     outcome.warnings,
			ResolvedAt:   r.now().UTC(),
		}
		if err := r.history.Append(ctx, res); err != nil {
			return nil, err
		}
		r.logger.Debug("conflict resolved",
			"conflict", c.ID, "strategy", s, "confidence", res.Confidence)
		return res, nil
	}
}

func (r *Resolver) runCustom(ctx context.Context, c *Case, ruleID string, rule *Rule) (*Resolution, error) {
	name := ""
	if rule != nil {
		name = rule.ResolverName
	}
	fn := r.customs[name]
	if fn == nil {
		r.logger.Error("custom resolver not registered, escalating to manual",
			"conflict", c.ID, "resolver", name)
		return r.escalate(ctx, c, []string{ruleID}, fmt.Sprintf("custom resolver %q not registered", name))
	}

	data, err := invokeCustom(fn, c)
	if err != nil {
		// Record the failure with confidence 0, then hand the case to the
		// user. The failed attempt stays in history for the statistics.
		res := &Resolution{
			ConflictID:         c.ID,
			Collection:         c.Collection,
			EntityID:           c.EntityID,
			StrategyUsed:       StrategyCustom,
			AppliedRules:       []string{ruleID},
			Confidence:         0,
			Warnings:           []string{err.Error()},
			RequiresUserAction: true,
			ResolvedAt:         r.now().UTC(),
		}
		if herr := r.history.Append(ctx, res); herr != nil {
			return nil, herr
		}
		if _, _, perr := r.pending.Add(ctx, c); perr != nil {
			return nil, perr
		}
		r.logger.Error("custom resolver failed, case escalated to manual",
			"conflict", c.ID, "resolver", name, "error", err)
		return res, nil
	}

	res := &Resolution{
		ConflictID:   c.ID,
		Collection:   c.Collection,
		EntityID:     c.EntityID,
		ResolvedData: data,
		StrategyUsed: StrategyCustom,
		AppliedRules: []string{ruleID},
		Confidence:   r.env.confidence(StrategyCustom),
		ResolvedAt:   r.now().UTC(),
	}
	if err := r.history.Append(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// invokeCustom isolates resolver panics.
func invokeCustom(fn CustomResolver, c *Case) (data record.Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			data = nil
			err = fmt.Errorf("%w: %v", syncerr.ErrResolverPanic, p)
		}
	}()
	return fn(c)
}

// escalate parks c in the pending-manual set and records a zero-confidence
// resolution. The insertion happens exactly once per divergence; a
// re-detected identical case is a no-op inside PendingSet.Add.
func (r *Resolver) escalate(ctx context.Context, c *Case, ruleIDs []string, reason string) (*Resolution, error) {
	if _, _, err := r.pending.Add(ctx, c); err != nil {
		return nil, err
	}
	res := &Resolution{
		ConflictID:         c.ID,
		Collection:         c.Collection,
		EntityID:           c.EntityID,
		StrategyUsed:       StrategyManual,
		AppliedRules:       ruleIDs,
		Confidence:         0,
		Warnings:           []string{reason},
		RequiresUserAction: true,
		ResolvedAt:         r.now().UTC(),
	}
	if err := r.history.Append(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ResolveManually applies a user-chosen record to a pending case. Returns
// nil when the id is not pending (already resolved or evicted).
func (r *Resolver) ResolveManually(ctx context.Context, id string, data record.Record) (*Resolution, error) {
	c, err := r.pending.Remove(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}

	res := &Resolution{
		ConflictID:         c.ID,
		Collection:         c.Collection,
		EntityID:           c.EntityID,
		ResolvedData:       record.Clone(data),
		StrategyUsed:       StrategyManual,
		Confidence:         1,
		RequiresUserAction: false,
		ResolvedAt:         r.now().UTC(),
	}
	if err := r.history.Append(ctx, res); err != nil {
		return nil, err
	}
	r.logger.Info("conflict resolved manually", "conflict", id, "collection", c.Collection)
	return res, nil
}

// Pending lists unresolved cases; newlyStale reports cases whose TTL
// expired since the last listing.
func (r *Resolver) Pending(ctx context.Context) (cases []*Case, newlyStale []*Case, err error) {
	return r.pending.List(ctx)
}

// Stats summarizes resolution history.
func (r *Resolver) Stats(ctx context.Context) (*Stats, error) {
	return r.history.Stats(ctx)
}

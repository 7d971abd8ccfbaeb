// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/tomoki33/ordo-sync/config"
	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/storage"
	"github.com/tomoki33/ordo-sync/syncerr"
)

type resolverFixture struct {
	resolver *Resolver
	rules    *RuleSet
	prefs    *Preferences
	history  *History
	pending  *PendingSet
	kv       storage.KV
}

func newFixture(t *testing.T, seedDefaults bool) *resolverFixture {
	t.Helper()
	ctx := context.Background()
	kv := storage.NewMemoryStore()

	rules, err := LoadRules(ctx, kv, nil)
	require.NoError(t, err)
	if seedDefaults {
		for _, r := range DefaultRules() {
			_, err := rules.Add(ctx, r)
			require.NoError(t, err)
		}
	}
	prefs, err := LoadPreferences(ctx, kv)
	require.NoError(t, err)

	cfg := config.Default()
	history := NewHistory(kv, cfg.Resolver.HistoryLimit)
	pending := NewPendingSet(kv, cfg.Resolver.PendingLimit, cfg.Resolver.PendingTTL.Std(), nil)
	resolver := NewResolver(cfg.Resolver, cfg.Analyzer, rules, prefs, history, pending, nil)

	return &resolverFixture{resolver: resolver, rules: rules, prefs: prefs, history: history, pending: pending, kv: kv}
}

func quantityCase() *Case {
	local := record.Record{"quantity": 5.0, "timestamp": int64(1724572800000)}
	remote := record.Record{"quantity": 8.0, "timestamp": int64(1724572805000)}
	c := caseFor(local, remote)
	c.Type = TypeData
	c.Severity = SeverityMedium
	c.AutoResolvable = true
	return c
}

func TestResolve_DefaultRuleTimestampWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	res, err := f.resolver.Resolve(ctx, quantityCase())
	require.NoError(t, err)
	require.Equal(t, StrategyTimestampWins, res.StrategyUsed)
	require.Equal(t, 8.0, res.ResolvedData["quantity"])
	require.Equal(t, []string{"default-timestamp-wins"}, res.AppliedRules)
	require.False(t, res.RequiresUserAction)
	require.Equal(t, 0.9, res.Confidence)

	entries, err := f.history.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestResolve_PreferenceOutranksRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	require.NoError(t, f.prefs.Set(ctx, "items", StrategyClientWins))

	res, err := f.resolver.Resolve(ctx, quantityCase())
	require.NoError(t, err)
	require.Equal(t, StrategyClientWins, res.StrategyUsed)
	require.Equal(t, 5.0, res.ResolvedData["quantity"])
}

func TestResolve_HigherPriorityRuleWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.rules.Add(ctx, Rule{
		ID:                "items-server-wins",
		CollectionPattern: "items",
		Priority:          10,
		Strategy:          StrategyServerWins,
		Enabled:           true,
	})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, quantityCase())
	require.NoError(t, err)
	require.Equal(t, StrategyServerWins, res.StrategyUsed)
	require.Equal(t, []string{"items-server-wins"}, res.AppliedRules)
}

func TestResolve_PriorityTieBrokenByDeclarationOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.rules.Add(ctx, Rule{ID: "first", CollectionPattern: "*", Priority: 5, Strategy: StrategyClientWins, Enabled: true})
	require.NoError(t, err)
	_, err = f.rules.Add(ctx, Rule{ID: "second", CollectionPattern: "*", Priority: 5, Strategy: StrategyServerWins, Enabled: true})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, quantityCase())
	require.NoError(t, err)
	require.Equal(t, []string{"first"}, res.AppliedRules)
}

func TestResolve_PredicateGatesRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, err := f.rules.Add(ctx, Rule{
		ID:                "severe-to-server",
		CollectionPattern: "*",
		Priority:          50,
		Strategy:          StrategyServerWins,
		Predicate:         `severity == "high" || severity == "critical"`,
		Enabled:           true,
	})
	require.NoError(t, err)

	// Medium severity: predicate fails, falls through to the default rule.
	res, err := f.resolver.Resolve(ctx, quantityCase())
	require.NoError(t, err)
	require.Equal(t, StrategyTimestampWins, res.StrategyUsed)

	// High severity: predicate passes.
	c := quantityCase()
	c.Severity = SeverityHigh
	res, err = f.resolver.Resolve(ctx, c)
	require.NoError(t, err)
	require.Equal(t, StrategyServerWins, res.StrategyUsed)
}

func TestResolve_PredicateCanInspectPayloads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.rules.Add(ctx, Rule{
		ID:                "large-remote-quantity",
		CollectionPattern: "items",
		Priority:          10,
		Strategy:          StrategyServerWins,
		Predicate:         `remote.quantity > local.quantity`,
		Enabled:           true,
	})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, quantityCase())
	require.NoError(t, err)
	require.Equal(t, StrategyServerWins, res.StrategyUsed)
}

func TestResolve_NoApplicableRuleEscalatesToManual(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	c := quantityCase()
	res, err := f.resolver.Resolve(ctx, c)
	require.NoError(t, err)
	require.Equal(t, StrategyManual, res.StrategyUsed)
	require.Equal(t, 0.0, res.Confidence)
	require.True(t, res.RequiresUserAction)
	require.NotEmpty(t, res.Warnings)

	pending, _, err := f.pending.List(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, c.ID, pending[0].ID)
}

func TestResolve_NonAutoResolvableBypassesRulesAndPreferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	// Even an explicit preference must not auto-resolve a deletion.
	require.NoError(t, f.prefs.Set(ctx, "items", StrategyClientWins))

	local := record.Record{"deleted": true, "timestamp": int64(1724572800000)}
	remote := record.Record{"name": "milk", "quantity": 2.0, "timestamp": int64(1724572805000)}
	c := caseFor(local, remote)
	c.Type = TypeDeletion
	c.Severity = SeverityHigh
	c.AutoResolvable = false

	res, err := f.resolver.Resolve(ctx, c)
	require.NoError(t, err)
	require.Equal(t, StrategyManual, res.StrategyUsed)
	require.True(t, res.RequiresUserAction)
	require.Equal(t, 0.0, res.Confidence)
	require.Contains(t, res.Warnings[0], "requires user review")

	pending, _, err := f.pending.List(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, c.ID, pending[0].ID)
}

func TestResolve_ManualStrategyInsertsPendingExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.rules.Add(ctx, Rule{ID: "all-manual", CollectionPattern: "*", Priority: 1, Strategy: StrategyManual, Enabled: true})
	require.NoError(t, err)

	c := quantityCase()
	res, err := f.resolver.Resolve(ctx, c)
	require.NoError(t, err)
	require.True(t, res.RequiresUserAction)
	require.Equal(t, 0.0, res.Confidence)

	// Re-resolving the identical divergence does not duplicate the case.
	res2, err := f.resolver.Resolve(ctx, c)
	require.NoError(t, err)
	require.True(t, res2.RequiresUserAction)

	n, err := f.pending.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestResolve_CustomResolverSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	require.NoError(t, f.resolver.RegisterResolver("sum-quantities", func(c *Case) (record.Record, error) {
		lq, _ := record.LookupPath(c.Local, "quantity")
		rq, _ := record.LookupPath(c.Remote, "quantity")
		return record.Record{"quantity": lq.(float64) + rq.(float64)}, nil
	}))
	_, err := f.rules.Add(ctx, Rule{
		ID: "sum", CollectionPattern: "items", Priority: 1,
		Strategy: StrategyCustom, ResolverName: "sum-quantities", Enabled: true,
	})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, quantityCase())
	require.NoError(t, err)
	require.Equal(t, StrategyCustom, res.StrategyUsed)
	require.Equal(t, 13.0, res.ResolvedData["quantity"])
	require.Equal(t, 0.9, res.Confidence)
	require.False(t, res.RequiresUserAction)
}

func TestResolve_CustomResolverErrorEscalates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	require.NoError(t, f.resolver.RegisterResolver("broken", func(*Case) (record.Record, error) {
		return nil, errors.New("cannot decide")
	}))
	_, err := f.rules.Add(ctx, Rule{
		ID: "broken-rule", CollectionPattern: "*", Priority: 1,
		Strategy: StrategyCustom, ResolverName: "broken", Enabled: true,
	})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, quantityCase())
	require.NoError(t, err)
	require.Equal(t, 0.0, res.Confidence)
	require.True(t, res.RequiresUserAction)
	require.Contains(t, res.Warnings[0], "cannot decide")

	n, err := f.pending.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestResolve_CustomResolverPanicIsCaught(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	require.NoError(t, f.resolver.RegisterResolver("panicky", func(*Case) (record.Record, error) {
		panic("resolver exploded")
	}))
	_, err := f.rules.Add(ctx, Rule{
		ID: "panic-rule", CollectionPattern: "*", Priority: 1,
		Strategy: StrategyCustom, ResolverName: "panicky", Enabled: true,
	})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, quantityCase())
	require.NoError(t, err)
	require.True(t, res.RequiresUserAction)
	require.Contains(t, res.Warnings[0], "resolver exploded")

	n, err := f.pending.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestResolve_UnregisteredCustomResolverEscalates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.rules.Add(ctx, Rule{
		ID: "ghost", CollectionPattern: "*", Priority: 1,
		Strategy: StrategyCustom, ResolverName: "nope", Enabled: true,
	})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, quantityCase())
	require.NoError(t, err)
	require.Equal(t, StrategyManual, res.StrategyUsed)
	require.True(t, res.RequiresUserAction)
}

func TestResolveManually(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	c := quantityCase()
	_, err := f.resolver.Resolve(ctx, c) // no rules: escalates
	require.NoError(t, err)

	chosen := record.Record{"quantity": 6.0}
	res, err := f.resolver.ResolveManually(ctx, c.ID, chosen)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, 6.0, res.ResolvedData["quantity"])
	require.Equal(t, 1.0, res.Confidence)
	require.False(t, res.RequiresUserAction)

	n, err := f.pending.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Unknown or already-resolved ids return nil.
	res, err = f.resolver.ResolveManually(ctx, c.ID, chosen)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestRuleValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.rules.Add(ctx, Rule{CollectionPattern: "", Strategy: StrategyManual, Enabled: true})
	require.Error(t, err)
	require.Equal(t, syncerr.CodeConfiguration, syncerr.CodeOf(err))

	_, err = f.rules.Add(ctx, Rule{CollectionPattern: "*", Strategy: "bogus", Enabled: true})
	require.Error(t, err)

	_, err = f.rules.Add(ctx, Rule{CollectionPattern: "*", Strategy: StrategyCustom, Enabled: true})
	require.Error(t, err) // custom without resolver name

	_, err = f.rules.Add(ctx, Rule{CollectionPattern: "*", Strategy: StrategyManual, Predicate: "local ==", Enabled: true})
	require.Error(t, err) // predicate does not compile
	require.Equal(t, syncerr.CodeConfiguration, syncerr.CodeOf(err))

	_, err = f.rules.Add(ctx, Rule{CollectionPattern: "[", Strategy: StrategyManual, Enabled: true})
	require.Error(t, err) // malformed glob
}

func TestRulesPersistAcrossLoad(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	id, err := f.rules.Add(ctx, Rule{
		CollectionPattern: "items",
		Priority:          3,
		Strategy:          StrategyMergeDeep,
		Predicate:         `conflictType == "data"`,
		Enabled:           true,
	})
	require.NoError(t, err)

	reloaded, err := LoadRules(ctx, f.kv, nil)
	require.NoError(t, err)
	rules := reloaded.Rules()
	require.Len(t, rules, 1)
	require.Equal(t, id, rules[0].ID)
	require.Equal(t, StrategyMergeDeep, rules[0].Strategy)
	require.NotNil(t, rules[0].program)
}

func TestPendingSet_EvictionAtCapacityIsReported(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	p := NewPendingSet(kv, 2, time.Hour, nil)

	mk := func(entity string) *Case {
		c := caseFor(record.Record{"n": entity}, record.Record{"n": entity + "'"})
		c.ID = ulid.Make().String()
		c.EntityID = entity
		c.DetectedAt = time.Now()
		return c
	}

	added, evicted, err := p.Add(ctx, mk("a"))
	require.NoError(t, err)
	require.True(t, added)
	require.Nil(t, evicted)
	_, _, err = p.Add(ctx, mk("b"))
	require.NoError(t, err)

	_, evicted, err = p.Add(ctx, mk("c"))
	require.NoError(t, err)
	require.NotNil(t, evicted)
	require.Equal(t, "a", evicted.EntityID)

	n, err := p.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestPendingSet_TTLMarksStaleOnce(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	p := NewPendingSet(kv, 10, time.Hour, nil)

	c := caseFor(record.Record{"n": "a"}, record.Record{"n": "b"})
	c.DetectedAt = time.Now()
	_, _, err := p.Add(ctx, c)
	require.NoError(t, err)

	// Not yet expired.
	cases, newlyStale, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	require.Empty(t, newlyStale)

	// Move the clock past the TTL.
	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	cases, newlyStale, err = p.List(ctx)
	require.NoError(t, err)
	require.Len(t, newlyStale, 1)
	require.True(t, cases[0].Stale)

	// Reported exactly once; the flag persists.
	cases, newlyStale, err = p.List(ctx)
	require.NoError(t, err)
	require.Empty(t, newlyStale)
	require.True(t, cases[0].Stale)
}

func TestPendingSet_NewDivergenceSupersedesOld(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	p := NewPendingSet(kv, 10, time.Hour, nil)

	c1 := caseFor(record.Record{"q": 1.0}, record.Record{"q": 2.0})
	c1.ID = ulid.Make().String()
	_, _, err := p.Add(ctx, c1)
	require.NoError(t, err)

	c2 := caseFor(record.Record{"q": 1.0}, record.Record{"q": 3.0})
	c2.ID = ulid.Make().String()
	added, _, err := p.Add(ctx, c2)
	require.NoError(t, err)
	require.True(t, added)

	cases, _, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	require.Equal(t, c2.ID, cases[0].ID)
}

func TestHistory_BoundedAndStats(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	h := NewHistory(kv, 3)

	now := time.Now().UTC()
	entries := []*Resolution{
		{ConflictID: "1", StrategyUsed: StrategyTimestampWins, Confidence: 0.9, ResolvedAt: now.Add(-48 * time.Hour)},
		{ConflictID: "2", StrategyUsed: StrategyTimestampWins, Confidence: 0.9, ResolvedAt: now},
		{ConflictID: "3", StrategyUsed: StrategyMergeDeep, Confidence: 0.75, ResolvedAt: now},
		{ConflictID: "4", StrategyUsed: StrategyManual, Confidence: 0, RequiresUserAction: true, ResolvedAt: now},
	}
	for _, e := range entries {
		require.NoError(t, h.Append(ctx, e))
	}

	list, err := h.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3) // oldest evicted
	require.Equal(t, "2", list[0].ConflictID)

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.AutoResolved)
	require.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	require.Equal(t, 1, stats.PerStrategy[StrategyTimestampWins])
	require.Equal(t, 1, stats.PerStrategy[StrategyMergeDeep])
	require.Equal(t, 1, stats.PerStrategy[StrategyManual])
	require.InDelta(t, (0.9+0.75+0)/3.0, stats.AvgConfidence, 1e-9)
	require.Equal(t, 3, stats.Last24h)
}

func TestPreferences_PersistAndValidate(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()

	p, err := LoadPreferences(ctx, kv)
	require.NoError(t, err)
	require.NoError(t, p.Set(ctx, "items", StrategyMergeDeep))
	require.Error(t, p.Set(ctx, "items", Strategy("bogus")))
	require.Error(t, p.Set(ctx, "", StrategyManual))

	reloaded, err := LoadPreferences(ctx, kv)
	require.NoError(t, err)
	s, ok := reloaded.Preference("items")
	require.True(t, ok)
	require.Equal(t, StrategyMergeDeep, s)
}

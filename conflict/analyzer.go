// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package conflict

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tomoki33/ordo-sync/config"
	"github.com/tomoki33/ordo-sync/record"
)

// PreferenceSource exposes per-collection user strategy choices.
type PreferenceSource interface {
	Preference(collection string) (Strategy, bool)
}

// RecommendationSource exposes the highest-priority enabled rule for a
// collection, for the analyzer's recommendation step.
type RecommendationSource interface {
	TopRuleStrategy(collection string) (Strategy, string, bool)
}

// Analyzer classifies (local, remote) divergences. It is deterministic:
// fixed inputs and configuration always produce the same Case, apart from
// the generated ID and detection time.
type Analyzer struct {
	cfg    config.Analyzer
	prefs  PreferenceSource
	rules  RecommendationSource
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer builds an analyzer. prefs and rules may be nil; the
// corresponding recommendation steps are then skipped.
func NewAnalyzer(cfg config.Analyzer, prefs PreferenceSource, rules RecommendationSource, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{cfg: cfg, prefs: prefs, rules: rules, logger: logger, now: time.Now}
}

// Analyze compares one entity's local and remote copies. It returns nil
// when there is nothing to resolve: identical content, an envelope-only
// difference, or one side newer by more than the grace window (the newer
// side simply wins). Otherwise it returns a fully classified Case with an
// ordered reasoning trail.
func (a *Analyzer) Analyze(collection, entityID string, local, remote record.Record) *Case {
	if record.Equal(local, remote) {
		return nil
	}

	fields := record.Diff(local, remote)
	if len(fields) == 0 {
		return nil
	}

	localTS := record.Timestamp(local)
	remoteTS := record.Timestamp(remote)
	if a.dominated(localTS, remoteTS) {
		a.logger.Debug("divergence dominated by newer side, no conflict",
			"collection", collection, "entity", entityID,
			"local_ts", localTS, "remote_ts", remoteTS)
		return nil
	}

	c := &Case{
		ID:               ulid.Make().String(),
		Collection:       collection,
		EntityID:         entityID,
		ConflictedFields: fields,
		Local:            record.Clone(local),
		Remote:           record.Clone(remote),
		LocalTimestamp:   localTS,
		RemoteTimestamp:  remoteTS,
		DetectedAt:       a.now().UTC(),
	}

	c.Reasoning = append(c.Reasoning,
		fmt.Sprintf("detected %d conflicted field(s): %s", len(fields), strings.Join(fields, ", ")))

	a.classifyType(c)
	a.classifySeverity(c)
	a.classifyImpact(c)

	c.AutoResolvable = c.Severity != SeverityCritical &&
		c.Type != TypeDeletion &&
		len(c.ConflictedFields) <= 10
	if c.AutoResolvable {
		c.Reasoning = append(c.Reasoning, "auto-resolvable: severity below critical, no deletion involved, field count within bounds")
	} else {
		c.Reasoning = append(c.Reasoning, "not auto-resolvable: requires manual attention")
	}

	a.recommend(c)
	return c
}

// dominated reports whether one side is newer by more than the grace
// window. Records without timestamps never dominate.
func (a *Analyzer) dominated(localTS, remoteTS int64) bool {
	grace := a.cfg.GraceWindow.Std()
	if grace <= 0 || localTS == 0 || remoteTS == 0 {
		return false
	}
	delta := localTS - remoteTS
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Millisecond > grace
}

func (a *Analyzer) classifyType(c *Case) {
	localDeleted := record.IsDeleted(c.Local)
	remoteDeleted := record.IsDeleted(c.Remote)
	switch {
	case localDeleted != remoteDeleted:
		c.Type = TypeDeletion
		c.Reasoning = append(c.Reasoning, "type deletion: exactly one side is deleted")
	case record.Version(c.Local) != 0 && record.Version(c.Remote) != 0 &&
		record.Version(c.Local) != record.Version(c.Remote):
		c.Type = TypeVersion
		c.Reasoning = append(c.Reasoning, fmt.Sprintf("type version: local v%d vs remote v%d",
			record.Version(c.Local), record.Version(c.Remote)))
	case a.structuralDiff(c):
		c.Type = TypeSchema
		c.Reasoning = append(c.Reasoning, "type schema: field present on only one side")
	default:
		c.Type = TypeData
		c.Reasoning = append(c.Reasoning, "type data: same shape, different values")
	}
}

// structuralDiff reports whether any conflicted field exists on exactly one
// side. Envelope keys are already excluded by the diff, so version metadata
// added by the server does not register as a schema change.
func (a *Analyzer) structuralDiff(c *Case) bool {
	for _, f := range c.ConflictedFields {
		_, inLocal := record.LookupPath(c.Local, f)
		_, inRemote := record.LookupPath(c.Remote, f)
		if inLocal != inRemote {
			return true
		}
	}
	return false
}

func (a *Analyzer) classifySeverity(c *Case) {
	switch {
	case a.anyFieldIn(c.ConflictedFields, a.cfg.CriticalFields):
		c.Severity = SeverityCritical
		c.Reasoning = append(c.Reasoning, "severity critical: a critical field is conflicted")
	case len(c.ConflictedFields) > 5:
		c.Severity = SeverityHigh
		c.Reasoning = append(c.Reasoning, fmt.Sprintf("severity high: %d fields conflicted", len(c.ConflictedFields)))
	case a.anyFieldIn(c.ConflictedFields, a.cfg.ImportantFields):
		c.Severity = SeverityMedium
		c.Reasoning = append(c.Reasoning, "severity medium: an important field is conflicted")
	default:
		c.Severity = SeverityLow
		c.Reasoning = append(c.Reasoning, "severity low")
	}
}

func (a *Analyzer) classifyImpact(c *Case) {
	highImpact := false
	for _, col := range a.cfg.HighImpactCollections {
		if col == c.Collection {
			highImpact = true
			break
		}
	}
	criticalHit := a.anyFieldIn(c.ConflictedFields, a.cfg.CriticalFields)

	switch {
	case highImpact && criticalHit:
		c.UserImpact = ImpactBreaking
	case criticalHit:
		c.UserImpact = ImpactMajor
	case highImpact:
		c.UserImpact = ImpactMinor
	default:
		c.UserImpact = ImpactNone
	}
	c.Reasoning = append(c.Reasoning, fmt.Sprintf("user impact %s", c.UserImpact))
}

func (a *Analyzer) recommend(c *Case) {
	if a.prefs != nil {
		if s, ok := a.prefs.Preference(c.Collection); ok {
			c.Recommended = s
			c.Reasoning = append(c.Reasoning, fmt.Sprintf("recommended %s: user preference for collection %s", s, c.Collection))
			return
		}
	}
	if s, ok := a.patternStrategy(c); ok {
		c.Recommended = s
		return
	}
	if a.rules != nil {
		if s, ruleID, ok := a.rules.TopRuleStrategy(c.Collection); ok {
			c.Recommended = s
			c.Reasoning = append(c.Reasoning, fmt.Sprintf("recommended %s: highest-priority matching rule %s", s, ruleID))
			return
		}
	}
	c.Recommended = StrategyTimestampWins
	c.Reasoning = append(c.Reasoning, "recommended timestamp-wins: default")
}

// patternStrategy applies shape heuristics: conflicts confined to numeric
// fields suggest an authoritative counter the server should own; conflicts
// on nested objects favor a deep merge that keeps both sides' edits.
func (a *Analyzer) patternStrategy(c *Case) (Strategy, bool) {
	allNumeric := true
	anyObject := false
	for _, f := range c.ConflictedFields {
		lv, lok := record.LookupPath(c.Local, f)
		rv, rok := record.LookupPath(c.Remote, f)
		if !lok || !rok {
			allNumeric = false
			continue
		}
		if isObject(lv) && isObject(rv) {
			anyObject = true
			allNumeric = false
			continue
		}
		if !isNumeric(lv) || !isNumeric(rv) {
			allNumeric = false
		}
	}
	if anyObject {
		c.Reasoning = append(c.Reasoning, "recommended merge-deep: conflicted fields hold nested objects")
		return StrategyMergeDeep, true
	}
	if allNumeric && len(c.ConflictedFields) > 0 {
		c.Reasoning = append(c.Reasoning, "recommended server-wins: all conflicted fields are numeric")
		return StrategyServerWins, true
	}
	return "", false
}

func (a *Analyzer) anyFieldIn(fields, set []string) bool {
	for _, f := range fields {
		last := f
		if i := strings.LastIndex(f, "."); i >= 0 {
			last = f[i+1:]
		}
		for _, s := range set {
			if f == s || last == s {
				return true
			}
		}
	}
	return false
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint64:
		return true
	}
	return false
}

func isObject(v any) bool {
	switch v.(type) {
	case map[string]any, record.Record:
		return true
	}
	return false
}

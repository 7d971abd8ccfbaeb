// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package conflict detects and resolves divergence between a local and a
// remote copy of one entity. The analyzer classifies a divergence into a
// Case; the resolver picks a strategy by rule and produces a Resolution.
// Cases that cannot be auto-resolved wait in a bounded pending set until a
// user decides.
package conflict

import (
	"time"

	"github.com/tomoki33/ordo-sync/record"
)

// Type classifies what kind of divergence a case represents.
type Type string

const (
	TypeData     Type = "data"
	TypeSchema   Type = "schema"
	TypeVersion  Type = "version"
	TypeDeletion Type = "deletion"
)

// Severity ranks how risky an automatic resolution would be.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Impact estimates what the user would notice if resolution goes wrong.
type Impact string

const (
	ImpactNone     Impact = "none"
	ImpactMinor    Impact = "minor"
	ImpactMajor    Impact = "major"
	ImpactBreaking Impact = "breaking"
)

// Case is one detected divergence. Reasoning is an ordered audit trail and
// is never empty; manual-resolution UIs render it verbatim.
type Case struct {
	ID               string        `json:"id"`
	Collection       string        `json:"collection"`
	EntityID         string        `json:"entityId"`
	Type             Type          `json:"conflictType"`
	Severity         Severity      `json:"severity"`
	ConflictedFields []string      `json:"conflictedFields"`
	Local            record.Record `json:"localRecord"`
	Remote           record.Record `json:"remoteRecord"`
	LocalTimestamp   int64         `json:"localTimestamp"`
	RemoteTimestamp  int64         `json:"remoteTimestamp"`
	UserImpact       Impact        `json:"userImpact"`
	AutoResolvable   bool          `json:"autoResolvable"`
	Recommended      Strategy      `json:"recommendedStrategy"`
	Reasoning        []string      `json:"reasoning"`
	DetectedAt       time.Time     `json:"detectedAt"`

	// Stale is set when the case outlived the pending-manual TTL. Stale
	// cases stay queryable; they are flagged, never silently dropped.
	Stale bool `json:"stale,omitempty"`
}

// Resolution is the immutable outcome of resolving one case.
type Resolution struct {
	ConflictID   string        `json:"conflictId"`
	Collection   string        `json:"collection"`
	EntityID     string        `json:"entityId"`
	ResolvedData record.Record `json:"resolvedData,omitempty"`
	StrategyUsed Strategy      `json:"strategyUsed"`
	AppliedRules []string      `json:"appliedRuleIds,omitempty"`
	// Confidence is 0 exactly when RequiresUserAction is true.
	Confidence         float64   `json:"confidence"`
	Warnings           []string  `json:"warnings,omitempty"`
	RequiresUserAction bool      `json:"requiresUserAction"`
	ResolvedAt         time.Time `json:"resolvedAt"`
}

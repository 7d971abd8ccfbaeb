// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"

	"github.com/tomoki33/ordo-sync/conflict"
	"github.com/tomoki33/ordo-sync/events"
	"github.com/tomoki33/ordo-sync/health"
	"github.com/tomoki33/ordo-sync/ledger"
)

// ChangeQueued fires when a local mutation lands in the ledger.
type ChangeQueued struct {
	Mutation *ledger.Mutation `json:"mutation"`
}

// SyncCompleted fires at the end of a full cycle, successful or not.
type SyncCompleted struct {
	Stats CycleStats `json:"stats"`
}

// SyncFailed fires exactly once per mutation, on its move to dead-letter.
type SyncFailed struct {
	MutationID string    `json:"mutationId"`
	Collection string    `json:"collection"`
	EntityID   string    `json:"entityId"`
	Op         ledger.Op `json:"op"`
	Attempts   int       `json:"attempts"`
	Reason     string    `json:"reason"`
}

// ConflictDetected fires when the analyzer produces a case, before any
// resolution strategy runs.
type ConflictDetected struct {
	Case *conflict.Case `json:"case"`
}

// ManualResolutionRequired fires when a case lands in the pending-manual set.
type ManualResolutionRequired struct {
	Case   *conflict.Case `json:"case"`
	Reason string         `json:"reason"`
}

// NetworkStatusChanged mirrors connectivity transitions.
type NetworkStatusChanged struct {
	Online bool `json:"online"`
}

// Events bundles the engine's typed topics. HealthUpdated is the monitor's
// own topic, re-exposed so callers subscribe in one place.
type Events struct {
	ChangeQueued             *events.Topic[ChangeQueued]
	SyncCompleted            *events.Topic[SyncCompleted]
	SyncFailed               *events.Topic[SyncFailed]
	ConflictDetected         *events.Topic[ConflictDetected]
	ManualResolutionRequired *events.Topic[ManualResolutionRequired]
	NetworkStatusChanged     *events.Topic[NetworkStatusChanged]
	HealthUpdated            *events.Topic[health.Report]
}

func newEvents(logger *slog.Logger, healthUpdates *events.Topic[health.Report]) *Events {
	return &Events{
		ChangeQueued:             events.NewTopic[ChangeQueued](logger),
		SyncCompleted:            events.NewTopic[SyncCompleted](logger),
		SyncFailed:               events.NewTopic[SyncFailed](logger),
		ConflictDetected:         events.NewTopic[ConflictDetected](logger),
		ManualResolutionRequired: events.NewTopic[ManualResolutionRequired](logger),
		NetworkStatusChanged:     events.NewTopic[NetworkStatusChanged](logger),
		HealthUpdated:            healthUpdates,
	}
}

// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package health probes backend providers and internal subsystems,
// aggregates their state and drives recovery and failover. Probes run on
// their own timer and never wait for an in-flight sync cycle; the engine
// reads the aggregate before choosing a provider.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/tomoki33/ordo-sync/remote"
	"github.com/tomoki33/ordo-sync/storage"
)

// Status is the health classification of one component or of the aggregate.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusOffline   Status = "offline"
)

// Usable reports whether a component in this state can serve a sync cycle.
func (s Status) Usable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// Check probes one component. CheckHealth returns nil when the component
// works; the monitor measures latency around the call.
type Check interface {
	Name() string
	CheckHealth(ctx context.Context) error
}

// Recoverer is implemented by checks whose component can be re-initialized.
// The monitor calls Recover on unhealthy components during the recovery
// pass; failures are logged and never stop the probe loop.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// CheckFunc adapts a function to the Check port.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) CheckHealth(ctx context.Context) error { return c.Fn(ctx) }

// ProviderCheck probes a backend provider via Ping.
type ProviderCheck struct {
	Provider remote.Provider
}

func (c ProviderCheck) Name() string { return c.Provider.Name() }

func (c ProviderCheck) CheckHealth(ctx context.Context) error {
	return c.Provider.Ping(ctx)
}

// StorageCheck verifies the durable KV with a write-read round trip.
type StorageCheck struct {
	KV storage.KV
}

func (c StorageCheck) Name() string { return "storage" }

func (c StorageCheck) CheckHealth(ctx context.Context) error {
	key := "health/probe"
	want := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := c.KV.Set(ctx, key, want); err != nil {
		return fmt.Errorf("probe write failed: %w", err)
	}
	got, ok, err := c.KV.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("probe read failed: %w", err)
	}
	if !ok || string(got) != string(want) {
		return fmt.Errorf("probe read returned stale value")
	}
	return nil
}

// ComponentHealth is the continuously updated state of one probed
// component, read by the engine for routing and surfaced in sync stats.
type ComponentHealth struct {
	Name               string    `json:"name"`
	Status             Status    `json:"status"`
	LatencyMs          int64     `json:"latencyMs"`
	ConsecutiveHealthy int       `json:"consecutiveHealthyChecks"`
	ConsecutiveFails   int       `json:"consecutiveFailures"`
	LastCheckedAt      time.Time `json:"lastCheckedAt"`
	// RecentErrors keeps the newest probe failures, oldest dropped first.
	RecentErrors []string `json:"recentErrors,omitempty"`
}

// Report is one aggregated probe round.
type Report struct {
	Overall    Status                     `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checkedAt"`
}

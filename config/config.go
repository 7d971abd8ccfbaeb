// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package config holds the tunable surface of the sync stack: cycle cadence,
// retry policy, analyzer thresholds, resolver confidences, health monitor
// limits and the provider roster. Bad values are rejected here, at load or
// apply time, so nothing downstream revalidates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomoki33/ordo-sync/syncerr"
)

// Duration is a time.Duration that unmarshals from YAML strings like "15s"
// or "5m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"15s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full configuration tree.
type Config struct {
	// Device names this device in change origins; defaults to a generated id.
	Device      string   `yaml:"device"`
	Collections []string `yaml:"collections"`

	Engine   Engine   `yaml:"engine"`
	Analyzer Analyzer `yaml:"analyzer"`
	Resolver Resolver `yaml:"resolver"`
	Health   Health   `yaml:"health"`

	Providers []Provider `yaml:"providers"`
}

// Engine tunes the sync cycle.
type Engine struct {
	// SyncInterval is the foreground cycle cadence.
	SyncInterval Duration `yaml:"syncInterval"`
	// BackgroundInterval is the relaxed cadence when the app is backgrounded.
	BackgroundInterval Duration `yaml:"backgroundInterval"`
	UploadBatchSize    int      `yaml:"uploadBatchSize"`
	DownloadLimit      int      `yaml:"downloadLimit"`
	// MaxRetries is the number of upload attempts before a change
	// dead-letters.
	MaxRetries int      `yaml:"maxRetries"`
	BackoffMin Duration `yaml:"backoffMin"`
	BackoffMax Duration `yaml:"backoffMax"`
}

// Analyzer tunes conflict classification.
type Analyzer struct {
	// GraceWindow is the timestamp distance beyond which the newer side
	// simply wins without raising a conflict.
	GraceWindow Duration `yaml:"graceWindow"`
	// CriticalFields always escalate severity when conflicted.
	CriticalFields []string `yaml:"criticalFields"`
	// ImportantFields raise severity one notch when conflicted.
	ImportantFields []string `yaml:"importantFields"`
	// HighImpactCollections treat any conflict as at least high severity.
	HighImpactCollections []string `yaml:"highImpactCollections"`
	// HeuristicWindow bounds how far apart edits can be and still count as
	// concurrent for the heuristic strategy.
	HeuristicWindow Duration `yaml:"heuristicWindow"`
}

// Resolver tunes the strategy engine.
type Resolver struct {
	HistoryLimit int      `yaml:"historyLimit"`
	PendingLimit int      `yaml:"pendingLimit"`
	PendingTTL   Duration `yaml:"pendingTTL"`
	// Confidence overrides per-strategy confidence scores. Keys are strategy
	// names; values must lie in [0,1].
	Confidence map[string]float64 `yaml:"confidence"`
	// FieldPriorities maps dotted field paths to the side that owns them:
	// "local" or "remote".
	FieldPriorities map[string]string `yaml:"fieldPriorities"`
}

// Health tunes the backend monitor.
type Health struct {
	ProbeInterval Duration `yaml:"probeInterval"`
	// DegradedThreshold is the healthy-component ratio at or above which the
	// aggregate reports degraded instead of unhealthy. All components
	// healthy reports healthy regardless.
	DegradedThreshold float64 `yaml:"degradedThreshold"`
	// LatencyThreshold marks a backend degraded when its probe latency
	// exceeds it even if probes succeed.
	LatencyThreshold Duration `yaml:"latencyThreshold"`
	// OfflineAfter is the number of consecutive probe failures before a
	// backend counts as offline rather than degraded.
	OfflineAfter int `yaml:"offlineAfter"`
	// SampleWindow is how many recent probes feed the success rate.
	SampleWindow int `yaml:"sampleWindow"`
	// Redundancy allows failover to a healthy alternate provider while the
	// primary is down. With a single provider it has no effect.
	Redundancy bool `yaml:"redundancy"`
}

// Provider describes one sync backend.
type Provider struct {
	Name string `yaml:"name"`
	// Kind selects the adapter: "http", "postgres" or "s3".
	Kind string `yaml:"kind"`
	// Primary marks the preferred provider; exactly one must be primary.
	Primary bool `yaml:"primary"`

	// HTTP adapter settings.
	BaseURL   string `yaml:"baseURL,omitempty"`
	JWTSecret string `yaml:"jwtSecret,omitempty"`
	UserID    string `yaml:"userID,omitempty"`
	Compress  bool   `yaml:"compress,omitempty"`

	// Postgres adapter settings.
	DSN string `yaml:"dsn,omitempty"`

	// S3 adapter settings.
	Bucket    string `yaml:"bucket,omitempty"`
	KeyPrefix string `yaml:"keyPrefix,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"accessKey,omitempty"`
	SecretKey string `yaml:"secretKey,omitempty"`
}

// Default returns the configuration used when no file is given. The values
// mirror what the mobile apps ship with.
func Default() Config {
	return Config{
		Collections: []string{"items", "locations", "shopping_lists"},
		Engine: Engine{
			SyncInterval:       Duration(15 * time.Second),
			BackgroundInterval: Duration(5 * time.Minute),
			UploadBatchSize:    200,
			DownloadLimit:      500,
			MaxRetries:         5,
			BackoffMin:         Duration(2 * time.Second),
			BackoffMax:         Duration(5 * time.Minute),
		},
		Analyzer: Analyzer{
			GraceWindow:           Duration(30 * time.Second),
			CriticalFields:        []string{"id", "owner_id", "deleted"},
			ImportantFields:       []string{"name", "quantity", "price", "status"},
			HighImpactCollections: []string{"shopping_lists"},
			HeuristicWindow:       Duration(5 * time.Minute),
		},
		Resolver: Resolver{
			HistoryLimit: 500,
			PendingLimit: 200,
			PendingTTL:   Duration(7 * 24 * time.Hour),
		},
		Health: Health{
			ProbeInterval:     Duration(30 * time.Second),
			DegradedThreshold: 0.70,
			LatencyThreshold:  Duration(2 * time.Second),
			OfflineAfter:      3,
			SampleWindow:      20,
			Redundancy:        true,
		},
	}
}

// Load reads and validates a YAML config file, overlaying it on Default().
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, syncerr.Config(fmt.Errorf("read config: %w", err))
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, syncerr.Config(fmt.Errorf("parse config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the whole tree. Every error is a configuration error:
// callers reject the config up front instead of failing mid-cycle.
func (c *Config) Validate() error {
	if c.Engine.SyncInterval <= 0 {
		return syncerr.Config(fmt.Errorf("engine.syncInterval must be positive"))
	}
	if c.Engine.UploadBatchSize <= 0 {
		return syncerr.Config(fmt.Errorf("engine.uploadBatchSize must be positive"))
	}
	if c.Engine.DownloadLimit <= 0 {
		return syncerr.Config(fmt.Errorf("engine.downloadLimit must be positive"))
	}
	if c.Engine.MaxRetries <= 0 {
		return syncerr.Config(fmt.Errorf("engine.maxRetries must be positive"))
	}
	if c.Engine.BackoffMin <= 0 || c.Engine.BackoffMax < c.Engine.BackoffMin {
		return syncerr.Config(fmt.Errorf("engine backoff range is invalid"))
	}
	if c.Analyzer.GraceWindow < 0 {
		return syncerr.Config(fmt.Errorf("analyzer.graceWindow must not be negative"))
	}
	if c.Health.DegradedThreshold <= 0 || c.Health.DegradedThreshold > 1 {
		return syncerr.Config(fmt.Errorf("health.degradedThreshold must be in (0,1], got %v", c.Health.DegradedThreshold))
	}
	if c.Health.OfflineAfter <= 0 {
		return syncerr.Config(fmt.Errorf("health.offlineAfter must be positive"))
	}
	if c.Health.SampleWindow <= 0 {
		return syncerr.Config(fmt.Errorf("health.sampleWindow must be positive"))
	}
	for name, v := range c.Resolver.Confidence {
		if v < 0 || v > 1 {
			return syncerr.Config(fmt.Errorf("resolver.confidence[%s] must be in [0,1], got %v", name, v))
		}
	}
	for path, side := range c.Resolver.FieldPriorities {
		if side != "local" && side != "remote" {
			return syncerr.Config(fmt.Errorf("resolver.fieldPriorities[%s] must be local or remote, got %q", path, side))
		}
	}

	primaries := 0
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			return syncerr.Config(fmt.Errorf("providers[%d].name is required", i))
		}
		if seen[p.Name] {
			return syncerr.Config(fmt.Errorf("provider name %q appears twice", p.Name))
		}
		seen[p.Name] = true
		switch p.Kind {
		case "http":
			if p.BaseURL == "" {
				return syncerr.Config(fmt.Errorf("provider %s: baseURL is required for http", p.Name))
			}
		case "postgres":
			if p.DSN == "" {
				return syncerr.Config(fmt.Errorf("provider %s: dsn is required for postgres", p.Name))
			}
		case "s3":
			if p.Bucket == "" {
				return syncerr.Config(fmt.Errorf("provider %s: bucket is required for s3", p.Name))
			}
		default:
			return syncerr.Config(fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind))
		}
		if p.Primary {
			primaries++
		}
	}
	if len(c.Providers) > 0 && primaries != 1 {
		return syncerr.Config(fmt.Errorf("exactly one provider must be primary, got %d", primaries))
	}
	return nil
}

// PrimaryProvider returns the primary provider, or nil when none is
// configured.
func (c *Config) PrimaryProvider() *Provider {
	for i := range c.Providers {
		if c.Providers[i].Primary {
			return &c.Providers[i]
		}
	}
	return nil
}

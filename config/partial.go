// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package config

// Partial is a runtime configuration overlay. Nil fields keep the current
// value; set fields replace it. Apply is all-or-nothing: validation failure
// leaves the running config untouched.
type Partial struct {
	SyncInterval       *Duration `yaml:"syncInterval"`
	BackgroundInterval *Duration `yaml:"backgroundInterval"`
	UploadBatchSize    *int      `yaml:"uploadBatchSize"`
	DownloadLimit      *int      `yaml:"downloadLimit"`
	MaxRetries         *int      `yaml:"maxRetries"`

	GraceWindow     *Duration `yaml:"graceWindow"`
	HeuristicWindow *Duration `yaml:"heuristicWindow"`

	PendingTTL *Duration          `yaml:"pendingTTL"`
	Confidence map[string]float64 `yaml:"confidence"`

	ProbeInterval     *Duration `yaml:"probeInterval"`
	DegradedThreshold *float64  `yaml:"degradedThreshold"`
}

// Apply overlays p on c and returns the validated result. c is not
// modified.
func (c Config) Apply(p Partial) (Config, error) {
	next := c
	next.Collections = append([]string(nil), c.Collections...)
	next.Providers = append([]Provider(nil), c.Providers...)

	if p.SyncInterval != nil {
		next.Engine.SyncInterval = *p.SyncInterval
	}
	if p.BackgroundInterval != nil {
		next.Engine.BackgroundInterval = *p.BackgroundInterval
	}
	if p.UploadBatchSize != nil {
		next.Engine.UploadBatchSize = *p.UploadBatchSize
	}
	if p.DownloadLimit != nil {
		next.Engine.DownloadLimit = *p.DownloadLimit
	}
	if p.MaxRetries != nil {
		next.Engine.MaxRetries = *p.MaxRetries
	}
	if p.GraceWindow != nil {
		next.Analyzer.GraceWindow = *p.GraceWindow
	}
	if p.HeuristicWindow != nil {
		next.Analyzer.HeuristicWindow = *p.HeuristicWindow
	}
	if p.PendingTTL != nil {
		next.Resolver.PendingTTL = *p.PendingTTL
	}
	if len(p.Confidence) > 0 {
		merged := make(map[string]float64, len(c.Resolver.Confidence)+len(p.Confidence))
		for k, v := range c.Resolver.Confidence {
			merged[k] = v
		}
		for k, v := range p.Confidence {
			merged[k] = v
		}
		next.Resolver.Confidence = merged
	}
	if p.ProbeInterval != nil {
		next.Health.ProbeInterval = *p.ProbeInterval
	}
	if p.DegradedThreshold != nil {
		next.Health.DegradedThreshold = *p.DegradedThreshold
	}

	if err := next.Validate(); err != nil {
		return Config{}, err
	}
	return next, nil
}

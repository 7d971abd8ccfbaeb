// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"log/slog"

	"github.com/tomoki33/ordo-sync/remote"
)

// Router picks the provider for a sync cycle. The first provider is the
// primary; with redundancy enabled an unusable primary fails over to the
// first usable alternate for that cycle, and selection reverts to the
// primary as soon as it is usable again. A provider the monitor has not
// probed yet counts as usable.
type Router struct {
	monitor    *Monitor
	providers  []remote.Provider
	redundancy bool
	logger     *slog.Logger

	failedOver string // name of the active alternate, "" on primary
}

func NewRouter(monitor *Monitor, providers []remote.Provider, redundancy bool, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{monitor: monitor, providers: providers, redundancy: redundancy, logger: logger}
}

// Select returns the provider for the next cycle and whether it is an
// alternate. Called once per cycle; the choice holds for the whole cycle.
func (r *Router) Select() (remote.Provider, bool) {
	if len(r.providers) == 0 {
		return nil, false
	}
	primary := r.providers[0]
	if r.usable(primary.Name()) {
		if r.failedOver != "" {
			r.logger.Info("primary provider recovered, reverting",
				"primary", primary.Name(), "was", r.failedOver)
			r.failedOver = ""
		}
		return primary, false
	}
	if !r.redundancy {
		return primary, false
	}

	for _, alt := range r.providers[1:] {
		if !r.usable(alt.Name()) {
			continue
		}
		if r.failedOver != alt.Name() {
			r.logger.Warn("primary provider down, failing over",
				"primary", primary.Name(), "alternate", alt.Name())
			r.failedOver = alt.Name()
		}
		return alt, true
	}

	// Nothing usable: hand back the primary and let the cycle's own retry
	// and backoff machinery deal with it.
	r.failedOver = ""
	return primary, false
}

func (r *Router) usable(name string) bool {
	ch, ok := r.monitor.Component(name)
	if !ok {
		return true
	}
	return ch.Status.Usable()
}

// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomoki33/ordo-sync/config"
	"github.com/tomoki33/ordo-sync/events"
	"github.com/tomoki33/ordo-sync/sched"
)

// Monitor owns the probe loop. Checks are probed concurrently; per-check
// state and the aggregate are guarded by a read/write lock so the engine
// can consult health while a probe round is running.
type Monitor struct {
	cfg    config.Health
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	checks     []Check
	recoverers map[string]Recoverer
	state      map[string]*ComponentHealth
	overall    Status

	updates *events.Topic[Report]
}

func NewMonitor(cfg config.Health, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		recoverers: make(map[string]Recoverer),
		state:      make(map[string]*ComponentHealth),
		overall:    StatusHealthy,
		updates:    events.NewTopic[Report](logger),
	}
}

// Register adds a check. A check that also implements Recoverer joins the
// recovery pass. Duplicate names are rejected.
func (m *Monitor) Register(c Check) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.checks {
		if existing.Name() == c.Name() {
			return fmt.Errorf("health check %q already registered", c.Name())
		}
	}
	m.checks = append(m.checks, c)
	if r, ok := c.(Recoverer); ok {
		m.recoverers[c.Name()] = r
	}
	return nil
}

// Updates is the topic receiving a Report whenever the aggregate status
// changes.
func (m *Monitor) Updates() *events.Topic[Report] { return m.updates }

// Attach schedules the probe loop on s at the configured interval.
func (m *Monitor) Attach(s sched.Scheduler) (stop func(), err error) {
	m.mu.RLock()
	interval := m.cfg.ProbeInterval.Std()
	m.mu.RUnlock()
	return s.Register("health-probe", interval, func(ctx context.Context) {
		m.RunProbes(ctx)
	})
}

// SetConfig swaps the probe configuration. Thresholds apply from the next
// probe round; a changed ProbeInterval needs a re-Attach.
func (m *Monitor) SetConfig(cfg config.Health) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// RunProbes executes one probe round: all checks concurrently, state
// update, aggregation, and a recovery pass when the aggregate is not
// healthy. It returns the resulting report.
func (m *Monitor) RunProbes(ctx context.Context) Report {
	m.mu.RLock()
	checks := make([]Check, len(m.checks))
	copy(checks, m.checks)
	timeout := m.cfg.ProbeInterval.Std()
	m.mu.RUnlock()

	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}

	results := make([]error, len(checks))
	latencies := make([]time.Duration, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			start := m.now()
			results[i] = m.runCheck(probeCtx, c)
			latencies[i] = m.now().Sub(start)
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; failures land in results

	m.mu.Lock()
	for i, c := range checks {
		m.updateComponent(c.Name(), latencies[i], results[i])
	}
	previous := m.overall
	m.overall = m.aggregate()
	report := m.snapshotLocked()
	changed := m.overall != previous
	m.mu.Unlock()

	if changed {
		m.logger.Info("aggregate health changed", "from", previous, "to", report.Overall)
		m.updates.Publish(report)
	}
	if report.Overall != StatusHealthy {
		m.recoverPass(ctx, report)
	}
	return report
}

// runCheck isolates a panicking check the same way a failing one is
// handled.
func (m *Monitor) runCheck(ctx context.Context, c Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return c.CheckHealth(ctx)
}

func (m *Monitor) updateComponent(name string, latency time.Duration, err error) {
	ch := m.state[name]
	if ch == nil {
		ch = &ComponentHealth{Name: name}
		m.state[name] = ch
	}
	ch.LastCheckedAt = m.now()
	ch.LatencyMs = latency.Milliseconds()

	if err != nil {
		ch.ConsecutiveHealthy = 0
		ch.ConsecutiveFails++
		ch.RecentErrors = append(ch.RecentErrors, err.Error())
		if bound := m.errorBound(); len(ch.RecentErrors) > bound {
			ch.RecentErrors = ch.RecentErrors[len(ch.RecentErrors)-bound:]
		}
		if ch.ConsecutiveFails >= m.cfg.OfflineAfter {
			ch.Status = StatusOffline
		} else {
			ch.Status = StatusUnhealthy
		}
		m.logger.Warn("health check failed",
			"component", name, "failures", ch.ConsecutiveFails, "error", err)
		return
	}

	ch.ConsecutiveFails = 0
	ch.ConsecutiveHealthy++
	if m.cfg.LatencyThreshold > 0 && latency > m.cfg.LatencyThreshold.Std() {
		ch.Status = StatusDegraded
	} else {
		ch.Status = StatusHealthy
	}
}

func (m *Monitor) errorBound() int {
	if m.cfg.SampleWindow > 0 {
		return m.cfg.SampleWindow
	}
	return 20
}

// aggregate folds component states into one status: healthy only when every
// component is healthy, degraded while the healthy ratio stays at or above
// the configured threshold, unhealthy below it.
func (m *Monitor) aggregate() Status {
	if len(m.state) == 0 {
		return StatusHealthy
	}
	healthy := 0
	for _, ch := range m.state {
		if ch.Status == StatusHealthy {
			healthy++
		}
	}
	if healthy == len(m.state) {
		return StatusHealthy
	}
	if float64(healthy)/float64(len(m.state)) >= m.cfg.DegradedThreshold {
		return StatusDegraded
	}
	return StatusUnhealthy
}

// recoverPass re-initializes components that are down. Recovery only runs
// for checks that opted in via Recoverer; a failing or panicking recovery
// is logged and the loop continues.
func (m *Monitor) recoverPass(ctx context.Context, report Report) {
	for name, ch := range report.Components {
		if ch.Status.Usable() {
			continue
		}
		m.mu.RLock()
		r := m.recoverers[name]
		m.mu.RUnlock()
		if r == nil {
			continue
		}
		if err := m.runRecover(ctx, r); err != nil {
			m.logger.Error("recovery failed", "component", name, "error", err)
			continue
		}
		m.logger.Info("component recovery attempted", "component", name)
	}
}

func (m *Monitor) runRecover(ctx context.Context, r Recoverer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("recovery panicked: %v", p)
		}
	}()
	return r.Recover(ctx)
}

// Overall returns the current aggregate status.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall
}

// Component returns a copy of one component's state.
func (m *Monitor) Component(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.state[name]
	if !ok {
		return ComponentHealth{}, false
	}
	return copyComponent(ch), true
}

// Snapshot returns the current report without probing.
func (m *Monitor) Snapshot() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() Report {
	components := make(map[string]ComponentHealth, len(m.state))
	for name, ch := range m.state {
		components[name] = copyComponent(ch)
	}
	return Report{Overall: m.overall, Components: components, CheckedAt: m.now()}
}

func copyComponent(ch *ComponentHealth) ComponentHealth {
	out := *ch
	out.RecentErrors = append([]string(nil), ch.RecentErrors...)
	return out
}

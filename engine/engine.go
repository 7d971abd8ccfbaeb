// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine drives the offline-first sync loop. Local writes land in
// the durable ledger and the local view immediately; sync cycles push queued
// mutations to a backend, pull remote changes back and run every divergence
// through the conflict pipeline. The host app talks to the Engine facade
// only: queue changes, trigger syncs, subscribe to events.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tomoki33/ordo-sync/config"
	"github.com/tomoki33/ordo-sync/conflict"
	"github.com/tomoki33/ordo-sync/health"
	"github.com/tomoki33/ordo-sync/ledger"
	"github.com/tomoki33/ordo-sync/netmon"
	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/remote"
	"github.com/tomoki33/ordo-sync/sched"
	"github.com/tomoki33/ordo-sync/storage"
	"github.com/tomoki33/ordo-sync/syncerr"
)

// State is the phase a sync cycle is in. Exactly one cycle runs at a time;
// triggers arriving mid-cycle are dropped, the next tick re-reads the full
// ledger and loses nothing.
type State string

const (
	StateIdle        State = "idle"
	StateUploading   State = "uploading"
	StateDownloading State = "downloading"
	StateReconciling State = "reconciling"
)

// errOffline aborts a cycle early when connectivity drops mid-flight.
var errOffline = errors.New("connectivity lost mid-cycle")

// CycleStats summarizes one sync cycle.
type CycleStats struct {
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Provider     string        `json:"provider"`
	FailedOver   bool          `json:"failedOver"`
	Uploaded     int           `json:"uploaded"`
	Downloaded   int           `json:"downloaded"`
	Conflicts    int           `json:"conflicts"`
	AutoResolved int           `json:"autoResolved"`
	Manual       int           `json:"manualEscalations"`
	DeadLettered int           `json:"deadLettered"`
}

// Stats is the cumulative view returned by Engine.Stats.
type Stats struct {
	State            State         `json:"state"`
	Online           bool          `json:"online"`
	Health           health.Status `json:"health"`
	PendingMutations int           `json:"pendingMutations"`
	DeadLetters      int           `json:"deadLetters"`
	PendingConflicts int           `json:"pendingConflicts"`

	Cycles        int       `json:"cycles"`
	FailedCycles  int       `json:"failedCycles"`
	Uploaded      int       `json:"uploaded"`
	Downloaded    int       `json:"downloaded"`
	Conflicts     int       `json:"conflictsDetected"`
	AutoResolved  int       `json:"autoResolved"`
	Manual        int       `json:"manualEscalations"`
	DeadLettered  int       `json:"deadLettered"`
	LastSyncAt    time.Time `json:"lastSyncAt"`
	LastSuccessAt time.Time `json:"lastSuccessAt"`
	LastError     string    `json:"lastError,omitempty"`

	Resolutions *conflict.Stats `json:"resolutions,omitempty"`
}

// Deps are the engine's collaborator ports. KV and at least one provider are
// required; Net defaults to always-online, Monitor and Logger to fresh
// instances. Providers[0] is the primary backend.
type Deps struct {
	KV        storage.KV
	Providers []remote.Provider
	Net       netmon.Monitor
	Monitor   *health.Monitor
	Logger    *slog.Logger
}

// components is the configuration-derived working set. A config update
// swaps the whole bundle so an in-flight cycle keeps a consistent view.
type components struct {
	cfg      config.Config
	ledger   *ledger.Ledger
	analyzer *conflict.Analyzer
	resolver *conflict.Resolver
	pending  *conflict.PendingSet
	history  *conflict.History
}

// Engine is the synchronization facade.
type Engine struct {
	deviceID string
	kv       storage.KV
	store    *Store
	rules    *conflict.RuleSet
	prefs    *conflict.Preferences
	net      netmon.Monitor
	monitor  *health.Monitor
	router   *health.Router
	events   *Events
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	comps   *components
	customs map[string]conflict.CustomResolver

	cycleMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	foreground atomic.Bool
	closed     atomic.Bool

	schedMu sync.Mutex
	sched   sched.Scheduler
	stops   []func()

	statsMu  sync.Mutex
	counters counters

	unsubNet func()
}

type counters struct {
	cycles        int
	failedCycles  int
	uploaded      int
	downloaded    int
	conflicts     int
	autoResolved  int
	manual        int
	deadLettered  int
	lastSyncAt    time.Time
	lastSuccessAt time.Time
	lastError     string
}

// New wires an engine. It loads persisted rules and preferences, seeds the
// default rule set on first run and registers health checks for the KV, the
// providers, the ledger and the resolver.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Engine, error) {
	if deps.KV == nil {
		return nil, syncerr.Config(errors.New("engine requires a key-value store"))
	}
	if len(deps.Providers) == 0 {
		return nil, syncerr.Config(errors.New("engine requires at least one provider"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Device == "" {
		cfg.Device = ulid.Make().String()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	net := deps.Net
	if net == nil {
		net = netmon.Static(true)
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = health.NewMonitor(cfg.Health, logger)
	}

	rules, err := conflict.LoadRules(ctx, deps.KV, logger)
	if err != nil {
		return nil, err
	}
	if len(rules.Rules()) == 0 {
		for _, r := range conflict.DefaultRules() {
			if _, err := rules.Add(ctx, r); err != nil {
				return nil, err
			}
		}
	}
	prefs, err := conflict.LoadPreferences(ctx, deps.KV)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		deviceID: cfg.Device,
		kv:       deps.KV,
		store:    NewStore(deps.KV),
		rules:    rules,
		prefs:    prefs,
		net:      net,
		monitor:  monitor,
		router:   health.NewRouter(monitor, deps.Providers, cfg.Health.Redundancy, logger),
		events:   newEvents(logger, monitor.Updates()),
		logger:   logger,
		now:      time.Now,
		customs:  make(map[string]conflict.CustomResolver),
		state:    StateIdle,
	}
	e.foreground.Store(true)
	e.comps = e.buildComponents(cfg)

	if err := monitor.Register(health.StorageCheck{KV: deps.KV}); err != nil {
		return nil, err
	}
	for _, p := range deps.Providers {
		if err := monitor.Register(health.ProviderCheck{Provider: p}); err != nil {
			return nil, err
		}
	}
	if err := monitor.Register(health.CheckFunc{CheckName: "ledger", Fn: func(ctx context.Context) error {
		_, err := e.components().ledger.PendingCount(ctx)
		return err
	}}); err != nil {
		return nil, err
	}
	if err := monitor.Register(health.CheckFunc{CheckName: "resolver", Fn: func(ctx context.Context) error {
		_, err := e.components().resolver.Stats(ctx)
		return err
	}}); err != nil {
		return nil, err
	}

	e.unsubNet = net.Subscribe(func(online bool) {
		e.events.NetworkStatusChanged.Publish(NetworkStatusChanged{Online: online})
		if online {
			e.logger.Info("connectivity restored, scheduling sync")
			e.kick()
		} else {
			e.logger.Info("connectivity lost")
		}
	})
	return e, nil
}

func (e *Engine) buildComponents(cfg config.Config) *components {
	led := ledger.New(e.kv, ledger.Config{
		MaxRetries:  cfg.Engine.MaxRetries,
		BackoffBase: cfg.Engine.BackoffMin.Std(),
		BackoffMax:  cfg.Engine.BackoffMax.Std(),
	}, e.logger)
	history := conflict.NewHistory(e.kv, cfg.Resolver.HistoryLimit)
	pending := conflict.NewPendingSet(e.kv, cfg.Resolver.PendingLimit, cfg.Resolver.PendingTTL.Std(), e.logger)
	analyzer := conflict.NewAnalyzer(cfg.Analyzer, e.prefs, e.rules, e.logger)
	resolver := conflict.NewResolver(cfg.Resolver, cfg.Analyzer, e.rules, e.prefs, history, pending, e.logger)
	for name, fn := range e.customs {
		// Already validated at first registration.
		_ = resolver.RegisterResolver(name, fn)
	}
	return &components{cfg: cfg, ledger: led, analyzer: analyzer, resolver: resolver, pending: pending, history: history}
}

func (e *Engine) components() *components {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.comps
}

func (e *Engine) config() config.Config {
	return e.components().cfg
}

// Events exposes the engine's typed topics.
func (e *Engine) Events() *Events { return e.events }

// Store exposes the local read view.
func (e *Engine) Store() *Store { return e.store }

// Health exposes the backend health monitor.
func (e *Engine) Health() *health.Monitor { return e.monitor }

// DeviceID returns the identity stamped on this device's changes.
func (e *Engine) DeviceID() string { return e.deviceID }

// State reports the current cycle phase.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// SetForeground switches between the foreground and background cadences.
func (e *Engine) SetForeground(fg bool) {
	e.foreground.Store(fg)
}

// Start registers the periodic sync jobs and the health probe on s. Calling
// Start again re-registers with current intervals.
func (e *Engine) Start(s sched.Scheduler) error {
	e.schedMu.Lock()
	e.sched = s
	e.schedMu.Unlock()
	return e.reattachJobs()
}

func (e *Engine) reattachJobs() error {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	if e.sched == nil {
		return nil
	}
	for _, stop := range e.stops {
		stop()
	}
	e.stops = e.stops[:0]

	cfg := e.config()
	stop, err := e.sched.Register("sync", cfg.Engine.SyncInterval.Std(), func(ctx context.Context) {
		if e.foreground.Load() {
			e.Sync(ctx)
		}
	})
	if err != nil {
		return err
	}
	e.stops = append(e.stops, stop)

	stop, err = e.sched.Register("sync-background", cfg.Engine.BackgroundInterval.Std(), func(ctx context.Context) {
		if !e.foreground.Load() {
			e.Sync(ctx)
		}
	})
	if err != nil {
		return err
	}
	e.stops = append(e.stops, stop)

	stop, err = e.monitor.Attach(e.sched)
	if err != nil {
		return err
	}
	e.stops = append(e.stops, stop)
	return nil
}

// Close stops scheduled jobs and the connectivity subscription, then waits
// out any in-flight cycle. The KV and the providers belong to the caller.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.schedMu.Lock()
	for _, stop := range e.stops {
		stop()
	}
	e.stops = nil
	e.schedMu.Unlock()

	if e.unsubNet != nil {
		e.unsubNet()
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return nil
}

// QueueChange records a local mutation: the local view updates immediately,
// the change queues durably for upload, and a sync is kicked off when
// online. It never blocks on the network.
func (e *Engine) QueueChange(ctx context.Context, collection, id string, op ledger.Op, data record.Record) (*ledger.Mutation, error) {
	comps := e.components()

	cur, _, err := e.store.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	base := record.Version(cur)

	var payload record.Record
	now := e.now().UTC()
	if op != ledger.OpDelete {
		payload = record.Clone(data)
		// The engine owns version metadata; timestamps default to queue time.
		delete(payload, record.KeyVersion)
		if record.Timestamp(payload) == 0 {
			payload[record.KeyTimestamp] = now.UnixMilli()
		}
	}

	m, err := comps.ledger.Append(ctx, collection, id, op, payload, base)
	if err != nil {
		return nil, err
	}

	if op == ledger.OpDelete {
		err = e.store.Delete(ctx, collection, id, now)
	} else {
		err = e.store.Put(ctx, collection, id, withVersion(payload, base))
	}
	if err != nil {
		return nil, err
	}

	e.events.ChangeQueued.Publish(ChangeQueued{Mutation: m})
	if e.net.Online() {
		e.kick()
	}
	return m, nil
}

// kick schedules an asynchronous cycle attempt; one already in flight
// absorbs it.
func (e *Engine) kick() {
	if e.closed.Load() {
		return
	}
	go e.Sync(context.Background())
}

// Sync runs one full cycle: upload, download, reconcile. It returns false
// when the trigger was dropped because a cycle is already running, the
// device is offline, or the cycle did not complete.
func (e *Engine) Sync(ctx context.Context) bool {
	if e.closed.Load() {
		return false
	}
	if !e.cycleMu.TryLock() {
		e.logger.Debug("sync trigger dropped, cycle already running")
		return false
	}
	defer e.cycleMu.Unlock()

	if !e.net.Online() {
		e.logger.Debug("sync skipped, offline")
		return false
	}

	cs, err := e.runCycle(ctx)
	e.recordCycle(cs, err)
	if err != nil {
		if errors.Is(err, errOffline) {
			e.logger.Info("sync cycle aborted, connectivity lost", "provider", cs.Provider)
		} else {
			e.logger.Warn("sync cycle failed", "provider", cs.Provider, "error", err)
		}
		return false
	}

	e.events.SyncCompleted.Publish(SyncCompleted{Stats: cs})
	e.logger.Info("sync cycle completed",
		"provider", cs.Provider, "uploaded", cs.Uploaded, "downloaded", cs.Downloaded,
		"conflicts", cs.Conflicts, "duration", cs.Duration)
	return true
}

func (e *Engine) runCycle(ctx context.Context) (cs CycleStats, err error) {
	comps := e.components()
	cs.StartedAt = e.now().UTC()
	defer func() {
		cs.Duration = e.now().UTC().Sub(cs.StartedAt)
		e.setState(StateIdle)
	}()

	provider, failedOver := e.router.Select()
	if provider == nil {
		return cs, syncerr.Transient(syncerr.OpUpload, "engine", errors.New("no provider available"))
	}
	cs.Provider = provider.Name()
	cs.FailedOver = failedOver

	e.setState(StateUploading)
	if err := e.uploadPhase(ctx, comps, provider, &cs); err != nil {
		return cs, err
	}

	e.setState(StateDownloading)
	if err := e.downloadPhase(ctx, comps, provider, &cs); err != nil {
		return cs, err
	}

	// Resolutions produced during download queue fresh mutations; push them
	// now so both sides converge within the same cycle.
	e.setState(StateReconciling)
	if err := e.uploadPhase(ctx, comps, provider, &cs); err != nil {
		return cs, err
	}
	return cs, nil
}

func (e *Engine) recordCycle(cs CycleStats, err error) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	c := &e.counters
	c.cycles++
	c.lastSyncAt = cs.StartedAt
	c.uploaded += cs.Uploaded
	c.downloaded += cs.Downloaded
	c.conflicts += cs.Conflicts
	c.autoResolved += cs.AutoResolved
	c.manual += cs.Manual
	c.deadLettered += cs.DeadLettered
	if err != nil {
		c.failedCycles++
		c.lastError = err.Error()
		return
	}
	c.lastSuccessAt = cs.StartedAt
	c.lastError = ""
}

// Stats reports cumulative counters plus live queue and conflict depths.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	comps := e.components()
	pendingN, err := comps.ledger.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	dead, err := comps.ledger.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	conflictsN, err := comps.pending.Len(ctx)
	if err != nil {
		return nil, err
	}
	resolutions, err := comps.history.Stats(ctx)
	if err != nil {
		return nil, err
	}

	e.statsMu.Lock()
	c := e.counters
	e.statsMu.Unlock()

	return &Stats{
		State:            e.State(),
		Online:           e.net.Online(),
		Health:           e.monitor.Overall(),
		PendingMutations: pendingN,
		DeadLetters:      len(dead),
		PendingConflicts: conflictsN,
		Cycles:           c.cycles,
		FailedCycles:     c.failedCycles,
		Uploaded:         c.uploaded,
		Downloaded:       c.downloaded,
		Conflicts:        c.conflicts,
		AutoResolved:     c.autoResolved,
		Manual:           c.manual,
		DeadLettered:     c.deadLettered,
		LastSyncAt:       c.lastSyncAt,
		LastSuccessAt:    c.lastSuccessAt,
		LastError:        c.lastError,
		Resolutions:      resolutions,
	}, nil
}

// Conflicts lists cases awaiting manual resolution. Cases whose pending TTL
// just expired are logged as stale.
func (e *Engine) Conflicts(ctx context.Context) ([]*conflict.Case, error) {
	cases, newlyStale, err := e.components().resolver.Pending(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range newlyStale {
		e.logger.Warn("pending conflict went stale",
			"conflict", c.ID, "collection", c.Collection, "entity", c.EntityID,
			"detected_at", c.DetectedAt)
	}
	return cases, nil
}

// ResolveConflictManually applies the user's record to a pending case,
// updates the local view and queues the result for upload. It reports false
// when the case is no longer pending.
func (e *Engine) ResolveConflictManually(ctx context.Context, id string, data record.Record) (bool, error) {
	comps := e.components()
	c, err := comps.pending.Get(ctx, id)
	if err != nil || c == nil {
		return false, err
	}
	res, err := comps.resolver.ResolveManually(ctx, id, data)
	if err != nil || res == nil {
		return false, err
	}

	base := record.Version(c.Remote)
	resolved := record.Clone(data)
	delete(resolved, record.KeyVersion)
	if record.Timestamp(resolved) == 0 {
		resolved[record.KeyTimestamp] = e.now().UTC().UnixMilli()
	}
	if err := e.store.Put(ctx, c.Collection, c.EntityID, withVersion(resolved, base)); err != nil {
		return false, err
	}
	m, err := comps.ledger.Append(ctx, c.Collection, c.EntityID, ledger.OpUpdate, resolved, base)
	if err != nil {
		return false, err
	}

	e.events.ChangeQueued.Publish(ChangeQueued{Mutation: m})
	if e.net.Online() {
		e.kick()
	}
	return true, nil
}

// SetUserPreference pins a resolution strategy for a collection. It wins
// over every rule.
func (e *Engine) SetUserPreference(ctx context.Context, collection string, s conflict.Strategy) error {
	return e.prefs.Set(ctx, collection, s)
}

// AddCustomRule registers a resolution rule. Invalid rules are rejected here
// and never reach dispatch.
func (e *Engine) AddCustomRule(ctx context.Context, r conflict.Rule) (string, error) {
	return e.rules.Add(ctx, r)
}

// RegisterResolver installs fn for rules with strategy custom. The
// registration survives configuration updates.
func (e *Engine) RegisterResolver(name string, fn conflict.CustomResolver) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.comps.resolver.RegisterResolver(name, fn); err != nil {
		return err
	}
	e.customs[name] = fn
	return nil
}

// UpdateConfig overlays p on the running configuration. The swap is
// all-or-nothing and takes effect from the next cycle; sync cadences and the
// probe interval re-register when a scheduler is attached.
func (e *Engine) UpdateConfig(ctx context.Context, p config.Partial) error {
	e.mu.Lock()
	next, err := e.comps.cfg.Apply(p)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.comps = e.buildComponents(next)
	e.mu.Unlock()

	e.monitor.SetConfig(next.Health)
	e.logger.Info("configuration updated")
	return e.reattachJobs()
}

// Requeue moves a dead-lettered mutation back into the upload queue.
func (e *Engine) Requeue(ctx context.Context, id string) (*ledger.Mutation, error) {
	m, err := e.components().ledger.Requeue(ctx, id)
	if err != nil || m == nil {
		return nil, err
	}
	if e.net.Online() {
		e.kick()
	}
	return m, nil
}

// withVersion returns a copy of r carrying the given version envelope.
func withVersion(r record.Record, version int64) record.Record {
	out := record.Clone(r)
	if out == nil {
		out = record.Record{}
	}
	out[record.KeyVersion] = version
	return out
}

// withoutVersion returns a copy of r stripped of version metadata, the shape
// payloads travel in.
func withoutVersion(r record.Record) record.Record {
	out := record.Clone(r)
	delete(out, record.KeyVersion)
	return out
}

// tombstoneFor builds the record a deletion is compared as.
func tombstoneFor(version int64, at time.Time) record.Record {
	return record.Record{
		record.KeyDeleted:   true,
		record.KeyVersion:   version,
		record.KeyTimestamp: at.UnixMilli(),
	}
}

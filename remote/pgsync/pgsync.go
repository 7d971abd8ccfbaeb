// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package pgsync implements the backend provider port directly against
// PostgreSQL. State lives in ordo_sync_state (one row per entity, version
// gated); every applied change is journaled in ordo_sync_changelog, whose
// seq column is the pull checkpoint. The (device_id, change_id) unique
// constraint makes pushes idempotent across reconnects.
package pgsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/remote"
	"github.com/tomoki33/ordo-sync/syncerr"
)

// Provider syncs against a PostgreSQL database shared by all devices of one
// user or installation.
type Provider struct {
	name     string
	deviceID string
	pool     *pgxpool.Pool
	logger   *slog.Logger
}

// Config configures the Postgres provider.
type Config struct {
	Name     string // default "postgres"
	DeviceID string // source identity recorded per change
	Logger   *slog.Logger
}

func New(pool *pgxpool.Pool, cfg Config) (*Provider, error) {
	if pool == nil {
		return nil, syncerr.Config(fmt.Errorf("pgsync: pool is required"))
	}
	if cfg.DeviceID == "" {
		return nil, syncerr.Config(fmt.Errorf("pgsync: device id is required"))
	}
	if cfg.Name == "" {
		cfg.Name = "postgres"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{name: cfg.Name, deviceID: cfg.DeviceID, pool: pool, logger: cfg.Logger}, nil
}

// NewFromDSN connects a pool and wraps it. The pool is owned by the
// provider and closed with it.
func NewFromDSN(ctx context.Context, dsn string, cfg Config) (*Provider, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, syncerr.Config(fmt.Errorf("pgsync: failed to connect: %w", err))
	}
	return New(pool, cfg)
}

// Migrate creates the sync tables if they don't exist.
func (p *Provider) Migrate(ctx context.Context) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ordo_sync_state (
			collection  TEXT        NOT NULL,
			entity_id   TEXT        NOT NULL,
			payload     JSONB,
			version     BIGINT      NOT NULL DEFAULT 0,
			deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, entity_id)
		)`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS ordo_sync_changelog (
			seq        BIGSERIAL   PRIMARY KEY,
			collection TEXT        NOT NULL,
			entity_id  TEXT        NOT NULL,
			op         TEXT        NOT NULL,
			payload    JSONB,
			version    BIGINT      NOT NULL,
			deleted    BOOLEAN     NOT NULL DEFAULT FALSE,
			device_id  TEXT        NOT NULL,
			change_id  TEXT        NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (device_id, change_id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS ordo_sync_changelog_feed
			ON ordo_sync_changelog (collection, seq)`,
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, stmt := range migrations {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to run migration: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return syncerr.Transient(syncerr.OpStore, p.name, err)
	}
	p.logger.Info("pgsync schema ready", "provider", p.name)
	return nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Push(ctx context.Context, changes []remote.Change) (*remote.PushResult, error) {
	result := &remote.PushResult{Statuses: make([]remote.PushStatus, 0, len(changes))}

	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		for _, ch := range changes {
			status, err := p.applyChange(ctx, tx, ch)
			if err != nil {
				return err
			}
			result.Statuses = append(result.Statuses, status)
		}
		return nil
	})
	if err != nil {
		return nil, syncerr.Transient(syncerr.OpUpload, p.name, fmt.Errorf("failed to apply batch: %w", err))
	}
	return result, nil
}

func (p *Provider) applyChange(ctx context.Context, tx pgx.Tx, ch remote.Change) (remote.PushStatus, error) {
	if ch.ChangeID == "" || ch.Collection == "" || ch.EntityID == "" {
		return remote.PushStatus{ChangeID: ch.ChangeID, Status: remote.PushInvalid, Reason: "missing change identity"}, nil
	}
	if ch.Op != "create" && ch.Op != "update" && ch.Op != "delete" {
		return remote.PushStatus{ChangeID: ch.ChangeID, Status: remote.PushInvalid, Reason: fmt.Sprintf("unknown op %q", ch.Op)}, nil
	}

	// Idempotency gate: a change this device already applied replays its
	// original outcome.
	var priorVersion int64
	err := tx.QueryRow(ctx, /*language=postgresql*/ `
		SELECT version FROM ordo_sync_changelog
		WHERE device_id = $1 AND change_id = $2`,
		p.deviceID, ch.ChangeID).Scan(&priorVersion)
	if err == nil {
		return remote.PushStatus{ChangeID: ch.ChangeID, Status: remote.PushApplied, NewVersion: priorVersion}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return remote.PushStatus{}, fmt.Errorf("failed to check idempotency for %s: %w", ch.ChangeID, err)
	}

	// Version gate against the current row, locked for the batch.
	var current int64
	var serverPayload []byte
	var serverDeleted bool
	err = tx.QueryRow(ctx, /*language=postgresql*/ `
		SELECT version, payload, deleted FROM ordo_sync_state
		WHERE collection = $1 AND entity_id = $2
		FOR UPDATE`,
		ch.Collection, ch.EntityID).Scan(&current, &serverPayload, &serverDeleted)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return remote.PushStatus{}, fmt.Errorf("failed to read current row for %s/%s: %w", ch.Collection, ch.EntityID, err)
	}

	if ch.BaseVersion != current {
		status := remote.PushStatus{
			ChangeID:      ch.ChangeID,
			Status:        remote.PushConflict,
			ServerVersion: current,
			ServerDeleted: serverDeleted,
		}
		if len(serverPayload) > 0 {
			var rec record.Record
			if err := json.Unmarshal(serverPayload, &rec); err != nil {
				return remote.PushStatus{}, fmt.Errorf("failed to decode server payload for %s/%s: %w", ch.Collection, ch.EntityID, err)
			}
			status.ServerRecord = rec
		}
		return status, nil
	}

	next := current + 1
	deleted := ch.Op == "delete"
	var payload []byte
	if !deleted {
		payload, err = json.Marshal(ch.Payload)
		if err != nil {
			return remote.PushStatus{ChangeID: ch.ChangeID, Status: remote.PushInvalid, Reason: fmt.Sprintf("unencodable payload: %v", err)}, nil
		}
	}

	if _, err := tx.Exec(ctx, /*language=postgresql*/ `
		INSERT INTO ordo_sync_state (collection, entity_id, payload, version, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (collection, entity_id)
		DO UPDATE SET payload = EXCLUDED.payload, version = EXCLUDED.version,
		              deleted = EXCLUDED.deleted, updated_at = now()`,
		ch.Collection, ch.EntityID, payload, next, deleted); err != nil {
		return remote.PushStatus{}, fmt.Errorf("failed to upsert state for %s/%s: %w", ch.Collection, ch.EntityID, err)
	}

	if _, err := tx.Exec(ctx, /*language=postgresql*/ `
		INSERT INTO ordo_sync_changelog (collection, entity_id, op, payload, version, deleted, device_id, change_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ch.Collection, ch.EntityID, ch.Op, payload, next, deleted, p.deviceID, ch.ChangeID); err != nil {
		return remote.PushStatus{}, fmt.Errorf("failed to journal change %s: %w", ch.ChangeID, err)
	}

	return remote.PushStatus{ChangeID: ch.ChangeID, Status: remote.PushApplied, NewVersion: next}, nil
}

func (p *Provider) Pull(ctx context.Context, collection string, since remote.Checkpoint, limit int) (*remote.PullPage, error) {
	if limit <= 0 {
		limit = 100
	}

	// Fetch one extra row to learn whether more pages follow.
	rows, err := p.pool.Query(ctx, /*language=postgresql*/ `
		SELECT seq, entity_id, op, payload, version, deleted, device_id
		FROM ordo_sync_changelog
		WHERE collection = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`,
		collection, remote.Seq(since), limit+1)
	if err != nil {
		return nil, syncerr.Transient(syncerr.OpDownload, p.name, fmt.Errorf("failed to query change feed: %w", err))
	}
	defer rows.Close()

	page := &remote.PullPage{NextAfter: since}
	for rows.Next() {
		var (
			seq      int64
			entityID string
			op       string
			payload  []byte
			version  int64
			deleted  bool
			deviceID string
		)
		if err := rows.Scan(&seq, &entityID, &op, &payload, &version, &deleted, &deviceID); err != nil {
			return nil, syncerr.Transient(syncerr.OpDownload, p.name, fmt.Errorf("failed to scan change row: %w", err))
		}
		if len(page.Changes) == limit {
			page.HasMore = true
			break
		}

		item := remote.PullItem{
			Collection:    collection,
			EntityID:      entityID,
			Op:            op,
			ServerVersion: version,
			Deleted:       deleted,
			SourceID:      deviceID,
		}
		if len(payload) > 0 {
			var rec record.Record
			if err := json.Unmarshal(payload, &rec); err != nil {
				return nil, syncerr.Transient(syncerr.OpDownload, p.name, fmt.Errorf("failed to decode payload at seq %d: %w", seq, err))
			}
			item.Payload = rec
		}
		page.Changes = append(page.Changes, item)
		page.NextAfter = remote.SeqCheckpoint(seq)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Transient(syncerr.OpDownload, p.name, fmt.Errorf("failed to read change feed: %w", err))
	}
	return page, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping %s: %w", p.name, err)
	}
	return nil
}

func (p *Provider) Close() error {
	p.pool.Close()
	return nil
}

// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the ordo-syncd command tree: a long-running sync
// daemon plus one-shot commands for cycles, status and conflict handling.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tomoki33/ordo-sync/config"
	"github.com/tomoki33/ordo-sync/engine"
	"github.com/tomoki33/ordo-sync/netmon"
	"github.com/tomoki33/ordo-sync/remote"
	"github.com/tomoki33/ordo-sync/remote/httpsync"
	"github.com/tomoki33/ordo-sync/remote/pgsync"
	"github.com/tomoki33/ordo-sync/remote/s3sync"
	"github.com/tomoki33/ordo-sync/storage"
	"github.com/tomoki33/ordo-sync/syncerr"
)

// tokenTTL bounds how long a minted sync token stays valid.
const tokenTTL = 15 * time.Minute

// stack is everything a command needs: configuration, storage, providers
// and the engine on top. The engine owns neither the KV nor the providers,
// so Close releases them here, engine first.
type stack struct {
	cfg       config.Config
	logger    *slog.Logger
	kv        *storage.SQLiteStore
	providers []remote.Provider
	eng       *engine.Engine
}

func (s *stack) Close() {
	if s.eng != nil {
		_ = s.eng.Close()
	}
	for _, p := range s.providers {
		if err := p.Close(); err != nil {
			s.logger.Warn("provider close failed", "provider", p.Name(), "error", err)
		}
	}
	if s.kv != nil {
		if err := s.kv.Close(); err != nil {
			s.logger.Warn("database close failed", "error", err)
		}
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStack wires the full client stack from the root options. A daemon is
// network-attached by definition, so connectivity is pinned online and
// backend reachability is left to the health probes.
func openStack(ctx context.Context, opts *RootOptions) (*stack, error) {
	logger := newLogger(opts.Verbose)

	cfg := config.Default()
	if opts.Config != "" {
		var err error
		cfg, err = config.Load(opts.Config)
		if err != nil {
			return nil, err
		}
	}
	if opts.Device != "" {
		cfg.Device = opts.Device
	}
	if cfg.Device == "" {
		cfg.Device = ulid.Make().String()
		logger.Info("no device id configured, generated one", "device", cfg.Device)
	}
	if len(cfg.Providers) == 0 {
		return nil, syncerr.Config(fmt.Errorf("no providers configured; add a providers section to the config file"))
	}

	kv, err := storage.OpenSQLite(opts.Database)
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, logger: logger, kv: kv}
	for _, pc := range orderedProviders(cfg.Providers) {
		p, err := buildProvider(ctx, pc, cfg.Device, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.providers = append(s.providers, p)
	}

	eng, err := engine.New(ctx, cfg, engine.Deps{
		KV:        kv,
		Providers: s.providers,
		Net:       netmon.Static(true),
		Logger:    logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.eng = eng
	return s, nil
}

// orderedProviders puts the primary first; the engine treats the first
// provider as the preferred backend.
func orderedProviders(list []config.Provider) []config.Provider {
	out := make([]config.Provider, 0, len(list))
	for _, p := range list {
		if p.Primary {
			out = append(out, p)
		}
	}
	for _, p := range list {
		if !p.Primary {
			out = append(out, p)
		}
	}
	return out
}

func buildProvider(ctx context.Context, pc config.Provider, deviceID string, logger *slog.Logger) (remote.Provider, error) {
	switch pc.Kind {
	case "http":
		return httpsync.New(httpsync.Config{
			Name:     pc.Name,
			BaseURL:  pc.BaseURL,
			Token:    httpsync.HS256TokenSource(pc.JWTSecret, pc.UserID, deviceID, tokenTTL),
			Compress: pc.Compress,
			Logger:   logger,
		})
	case "postgres":
		p, err := pgsync.NewFromDSN(ctx, pc.DSN, pgsync.Config{
			Name:     pc.Name,
			DeviceID: deviceID,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		if err := p.Migrate(ctx); err != nil {
			_ = p.Close()
			return nil, err
		}
		return p, nil
	case "s3":
		return s3sync.New(ctx, s3sync.Config{
			Name:            pc.Name,
			Bucket:          pc.Bucket,
			Region:          pc.Region,
			Endpoint:        pc.Endpoint,
			UsePathStyle:    pc.Endpoint != "",
			AccessKeyID:     pc.AccessKey,
			SecretAccessKey: pc.SecretKey,
			Prefix:          pc.KeyPrefix,
			DeviceID:        deviceID,
			Logger:          logger,
		})
	default:
		return nil, syncerr.Config(fmt.Errorf("unknown provider kind %q", pc.Kind))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

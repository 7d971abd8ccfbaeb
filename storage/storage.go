// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the durable key-value layer under the change
// ledger, conflict history and checkpoint registry. Keys are hierarchical
// strings ("ledger/<ulid>", "data/<collection>/<id>"); values are opaque
// bytes, JSON in practice.
package storage

import (
	"context"
	"strings"
)

// KV is the persistence port. Implementations must make Set durable before
// returning and must list keys in ascending lexicographic order so ULID-keyed
// scans come back in insertion order.
type KV interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// ListKeys returns all keys with the given prefix, sorted ascending.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// Close releases the underlying resources.
	Close() error
}

// Join builds a hierarchical key from path segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// Split returns the segments of a hierarchical key.
func Split(key string) []string {
	return strings.Split(key, "/")
}

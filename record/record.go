// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package record models the arbitrary-shape payloads that flow through the
// sync engine. Known collections keep their typed models in the host app;
// inside the engine every payload is an opaque ordered key-value map with a
// stable canonical serialization, so diffing, merging and content hashing
// behave identically no matter which device produced the bytes.
package record

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Record is a decoded payload. Values follow encoding/json conventions:
// numbers are float64 unless written by Go code, nested objects are
// map[string]any, arrays are []any.
type Record map[string]any

// Envelope keys recognized on any payload. Version and Timestamp are
// comparator metadata and are excluded from field diffs; Deleted marks a
// tombstone.
const (
	KeyVersion   = "version"
	KeyTimestamp = "timestamp"
	KeyDeleted   = "deleted"
)

// FromJSON decodes raw JSON into a Record.
func FromJSON(raw json.RawMessage) (Record, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// ToJSON encodes r with sorted keys (encoding/json sorts map keys).
func ToJSON(r Record) (json.RawMessage, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

// Canonical returns the stable serialized form of r. encoding/json emits
// map keys in sorted order at every nesting level, which is exactly the
// property content hashing needs.
func Canonical(r Record) []byte {
	if r == nil {
		return []byte("null")
	}
	b, err := json.Marshal(r)
	if err != nil {
		// Records originate from JSON; a marshal failure means a caller
		// smuggled in an unsupported Go value. Fall back to a formatted
		// dump so the hash still differs from every valid record.
		return []byte(fmt.Sprintf("!unmarshalable:%v", r))
	}
	return b
}

// Hash returns the content hash of r: xxhash over the canonical form,
// as fixed-width hex. Equal hashes identify idempotent re-deliveries.
func Hash(r Record) string {
	return strconv.FormatUint(xxhash.Sum64(Canonical(r)), 16)
}

// Clone returns a deep copy of r.
func Clone(r Record) Record {
	if r == nil {
		return nil
	}
	return cloneMap(r)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Record:
		return Record(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Version reads the numeric version envelope field, 0 when absent.
func Version(r Record) int64 {
	return numField(r, KeyVersion)
}

// Timestamp reads the timestamp envelope field in Unix milliseconds.
// Payloads written by older app versions carry Unix seconds; values far
// below the millisecond range are scaled up on read.
func Timestamp(r Record) int64 {
	ts := numField(r, KeyTimestamp)
	if ts > 0 && ts < 1e11 {
		ts *= 1000
	}
	return ts
}

// IsDeleted reports whether r is a tombstone.
func IsDeleted(r Record) bool {
	if r == nil {
		return false
	}
	switch t := r[KeyDeleted].(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return false
	}
}

// KeySet returns the sorted top-level keys of r.
func KeySet(r Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func numField(r Record, key string) int64 {
	if r == nil {
		return 0
	}
	switch t := r[key].(type) {
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the backend provider port and the wire types
// shared by its implementations. A provider moves changes between the
// device and one backend; it never touches the ledger or the conflict
// machinery. Per-item push statuses let a single batch mix applied,
// conflicted and rejected changes.
package remote

import (
	"context"
	"strconv"

	"github.com/tomoki33/ordo-sync/record"
)

// Change is one queued mutation on the wire. ChangeID is the client ULID
// and doubles as the idempotency key: a backend that already applied
// (device, change) returns the original status instead of reapplying.
type Change struct {
	ChangeID    string        `json:"change_id"`
	Collection  string        `json:"collection"`
	EntityID    string        `json:"entity_id"`
	Op          string        `json:"op"` // create, update, delete
	Payload     record.Record `json:"payload,omitempty"`
	BaseVersion int64         `json:"base_version"` // last server version seen, 0 for create
}

// PushState classifies the outcome of one pushed change.
type PushState string

const (
	// PushApplied means the backend accepted the change and bumped the
	// entity version.
	PushApplied PushState = "applied"
	// PushConflict means the backend row moved past BaseVersion; the
	// status carries the current server record for resolution.
	PushConflict PushState = "conflict"
	// PushInvalid means the change can never be accepted (malformed,
	// unauthorized). Not retryable.
	PushInvalid PushState = "invalid"
	// PushRetry means a transient backend condition rejected the change;
	// retrying the same change later may succeed.
	PushRetry PushState = "retry"
)

// PushStatus is the per-change result of a Push.
type PushStatus struct {
	ChangeID      string        `json:"change_id"`
	Status        PushState     `json:"status"`
	NewVersion    int64         `json:"new_version,omitempty"`
	ServerRecord  record.Record `json:"server_record,omitempty"`
	ServerVersion int64         `json:"server_version,omitempty"`
	// ServerDeleted marks the conflicting server row as a tombstone;
	// ServerRecord is empty in that case.
	ServerDeleted bool   `json:"server_deleted,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// PushResult carries one status per pushed change, in request order.
type PushResult struct {
	Statuses []PushStatus `json:"statuses"`
}

// PullItem is one remote change streamed during download. SourceID names
// the originating device so a client can skip its own echo.
type PullItem struct {
	Collection    string        `json:"collection"`
	EntityID      string        `json:"entity_id"`
	Op            string        `json:"op"`
	Payload       record.Record `json:"payload,omitempty"`
	ServerVersion int64         `json:"server_version"`
	Deleted       bool          `json:"deleted"`
	SourceID      string        `json:"source_id"`
}

// PullPage is one page of the remote change feed.
type PullPage struct {
	Changes   []PullItem `json:"changes"`
	NextAfter Checkpoint `json:"next_after"`
	HasMore   bool       `json:"has_more"`
}

// Checkpoint is the opaque per-(provider, collection) high-water mark. The
// engine stores and replays it verbatim; only the issuing provider
// interprets it. The zero value means "from the beginning".
type Checkpoint string

// SeqCheckpoint encodes a numeric change-feed position. Providers backed
// by a monotonically increasing sequence share this form.
func SeqCheckpoint(seq int64) Checkpoint {
	if seq <= 0 {
		return ""
	}
	return Checkpoint(strconv.FormatInt(seq, 10))
}

// Seq decodes a numeric checkpoint, 0 for empty or foreign values.
func Seq(c Checkpoint) int64 {
	if c == "" {
		return 0
	}
	n, err := strconv.ParseInt(string(c), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Provider is the backend port. Implementations wrap transport failures in
// the syncerr taxonomy so the engine can tell retryable from permanent
// without knowing the backend kind. All methods honor ctx cancellation.
type Provider interface {
	// Name identifies the provider in logs, health reports and
	// checkpoint keys. Stable across restarts.
	Name() string

	// Push uploads a batch and returns one status per change, in order.
	// A returned error means the whole batch went nowhere.
	Push(ctx context.Context, changes []Change) (*PushResult, error)

	// Pull returns the next page of changes for a collection after the
	// given checkpoint. Advancing the checkpoint is the caller's job,
	// after the page has been applied.
	Pull(ctx context.Context, collection string, since Checkpoint, limit int) (*PullPage, error)

	// Ping verifies reachability. Used by health probes only.
	Ping(ctx context.Context) error

	Close() error
}

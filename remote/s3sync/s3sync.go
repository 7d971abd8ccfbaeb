// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package s3sync implements the backend provider port on top of any
// S3-compatible object store (AWS S3, MinIO). Layout under the configured
// prefix:
//
//	state/<collection>/<entity>.json   current row, version gated
//	log/<collection>/<ulid>.json       append-only change feed
//
// ULID object keys sort by creation time, so ListObjectsV2 with StartAfter
// pages the feed in order and the last listed key is the pull checkpoint.
// There is no transaction: Push reads the state doc, checks the version and
// writes back. Two devices racing on the same entity resolve through the
// normal conflict path on their next pull.
package s3sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"

	"github.com/tomoki33/ordo-sync/record"
	"github.com/tomoki33/ordo-sync/remote"
	"github.com/tomoki33/ordo-sync/syncerr"
)

// Config configures the S3 provider.
type Config struct {
	Name   string // default "s3"
	Bucket string
	Region string
	// Endpoint and UsePathStyle target S3-compatible services (MinIO).
	Endpoint     string
	UsePathStyle bool
	// Static credentials. Prefer the default AWS chain (env, IAM role);
	// set these only for self-hosted stores.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // key prefix for all objects
	DeviceID        string
	Logger          *slog.Logger
}

// Provider syncs against one bucket.
type Provider struct {
	name     string
	client   *s3.Client
	bucket   string
	prefix   string
	deviceID string
	logger   *slog.Logger
}

// New builds the S3 client from cfg and wraps it.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, syncerr.Config(fmt.Errorf("s3sync: bucket is required"))
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, syncerr.Config(fmt.Errorf("s3sync: failed to load AWS config: %w", err))
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg)
}

// NewWithClient wraps an existing client; tests use it with a stub.
func NewWithClient(client *s3.Client, cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, syncerr.Config(fmt.Errorf("s3sync: bucket is required"))
	}
	if cfg.DeviceID == "" {
		return nil, syncerr.Config(fmt.Errorf("s3sync: device id is required"))
	}
	if cfg.Name == "" {
		cfg.Name = "s3"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{
		name:     cfg.Name,
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		deviceID: cfg.DeviceID,
		logger:   cfg.Logger,
	}, nil
}

func (p *Provider) Name() string { return p.name }

// stateDoc is the current-row object. LastDeviceID/LastChangeID identify
// the writer of this version so the most recent change per entity replays
// idempotently after a crash between upload and acknowledgment.
type stateDoc struct {
	Payload      record.Record `json:"payload,omitempty"`
	Version      int64         `json:"version"`
	Deleted      bool          `json:"deleted,omitempty"`
	LastDeviceID string        `json:"last_device_id"`
	LastChangeID string        `json:"last_change_id"`
}

// logDoc is one appended feed entry.
type logDoc struct {
	Collection string        `json:"collection"`
	EntityID   string        `json:"entity_id"`
	Op         string        `json:"op"`
	Payload    record.Record `json:"payload,omitempty"`
	Version    int64         `json:"version"`
	Deleted    bool          `json:"deleted,omitempty"`
	DeviceID   string        `json:"device_id"`
	ChangeID   string        `json:"change_id"`
	AppliedAt  time.Time     `json:"applied_at"`
}

func (p *Provider) stateKey(collection, entityID string) string {
	return p.prefix + "state/" + collection + "/" + entityID + ".json"
}

func (p *Provider) logKey(collection, id string) string {
	return p.prefix + "log/" + collection + "/" + id + ".json"
}

func (p *Provider) logPrefix(collection string) string {
	return p.prefix + "log/" + collection + "/"
}

// gate decides the outcome of one change against the current state doc
// (nil when the entity has no row yet) without touching the store.
func gate(current *stateDoc, deviceID string, ch remote.Change) *remote.PushStatus {
	if ch.ChangeID == "" || ch.Collection == "" || ch.EntityID == "" {
		return &remote.PushStatus{ChangeID: ch.ChangeID, Status: remote.PushInvalid, Reason: "missing change identity"}
	}
	if ch.Op != "create" && ch.Op != "update" && ch.Op != "delete" {
		return &remote.PushStatus{ChangeID: ch.ChangeID, Status: remote.PushInvalid, Reason: fmt.Sprintf("unknown op %q", ch.Op)}
	}

	var version int64
	if current != nil {
		version = current.Version
		if current.LastDeviceID == deviceID && current.LastChangeID == ch.ChangeID {
			return &remote.PushStatus{ChangeID: ch.ChangeID, Status: remote.PushApplied, NewVersion: version}
		}
	}
	if ch.BaseVersion != version {
		status := &remote.PushStatus{ChangeID: ch.ChangeID, Status: remote.PushConflict, ServerVersion: version}
		if current != nil {
			status.ServerRecord = record.Clone(current.Payload)
			status.ServerDeleted = current.Deleted
		}
		return status
	}
	return nil
}

func (p *Provider) Push(ctx context.Context, changes []remote.Change) (*remote.PushResult, error) {
	result := &remote.PushResult{Statuses: make([]remote.PushStatus, 0, len(changes))}

	for _, ch := range changes {
		current, err := p.readState(ctx, ch.Collection, ch.EntityID)
		if err != nil {
			return nil, syncerr.Transient(syncerr.OpUpload, p.name, err)
		}
		if status := gate(current, p.deviceID, ch); status != nil {
			result.Statuses = append(result.Statuses, *status)
			continue
		}

		var version int64
		if current != nil {
			version = current.Version
		}
		next := version + 1
		deleted := ch.Op == "delete"

		doc := &stateDoc{
			Version:      next,
			Deleted:      deleted,
			LastDeviceID: p.deviceID,
			LastChangeID: ch.ChangeID,
		}
		if !deleted {
			doc.Payload = record.Clone(ch.Payload)
		}
		if err := p.putJSON(ctx, p.stateKey(ch.Collection, ch.EntityID), doc); err != nil {
			return nil, syncerr.Transient(syncerr.OpUpload, p.name, err)
		}

		entry := &logDoc{
			Collection: ch.Collection,
			EntityID:   ch.EntityID,
			Op:         ch.Op,
			Payload:    doc.Payload,
			Version:    next,
			Deleted:    deleted,
			DeviceID:   p.deviceID,
			ChangeID:   ch.ChangeID,
			AppliedAt:  time.Now().UTC(),
		}
		if err := p.putJSON(ctx, p.logKey(ch.Collection, ulid.Make().String()), entry); err != nil {
			return nil, syncerr.Transient(syncerr.OpUpload, p.name, err)
		}

		result.Statuses = append(result.Statuses, remote.PushStatus{
			ChangeID: ch.ChangeID, Status: remote.PushApplied, NewVersion: next,
		})
	}
	return result, nil
}

func (p *Provider) Pull(ctx context.Context, collection string, since remote.Checkpoint, limit int) (*remote.PullPage, error) {
	if limit <= 0 {
		limit = 100
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(p.logPrefix(collection)),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if since != "" {
		input.StartAfter = aws.String(string(since))
	}

	out, err := p.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, syncerr.Transient(syncerr.OpDownload, p.name, fmt.Errorf("S3 list objects failed: %w", err))
	}

	page := &remote.PullPage{NextAfter: since, HasMore: aws.ToBool(out.IsTruncated)}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		var entry logDoc
		if err := p.getJSON(ctx, key, &entry); err != nil {
			return nil, syncerr.Transient(syncerr.OpDownload, p.name, err)
		}
		page.Changes = append(page.Changes, remote.PullItem{
			Collection:    entry.Collection,
			EntityID:      entry.EntityID,
			Op:            entry.Op,
			Payload:       entry.Payload,
			ServerVersion: entry.Version,
			Deleted:       entry.Deleted,
			SourceID:      entry.DeviceID,
		})
		page.NextAfter = remote.Checkpoint(key)
	}
	return page, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
	if err != nil {
		return fmt.Errorf("S3 head bucket failed: %w", err)
	}
	return nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) readState(ctx context.Context, collection, entityID string) (*stateDoc, error) {
	var doc stateDoc
	err := p.getJSON(ctx, p.stateKey(collection, entityID), &doc)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (p *Provider) getJSON(ctx context.Context, key string, v any) error {
	resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("S3 get object failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("S3 read body failed: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (p *Provider) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

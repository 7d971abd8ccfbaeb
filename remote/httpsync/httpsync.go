// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpsync implements the backend provider port over the ordo-sync
// HTTP JSON protocol: POST /sync/upload for batches, GET /sync/download for
// the change feed, GET /sync/status for reachability. Auth is a bearer
// token minted by a TokenSource; upload bodies can be snappy-compressed.
package httpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/snappy"

	"github.com/tomoki33/ordo-sync/remote"
	"github.com/tomoki33/ordo-sync/syncerr"
)

// TokenSource yields the bearer token for the next request. Called per
// request so short-lived tokens can rotate.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns the same token forever.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// tokenClaims carries the device identity the server derives source_id
// from. User id travels in the standard sub claim.
type tokenClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// HS256TokenSource mints short-lived HS256 tokens per request.
func HS256TokenSource(secret, userID, deviceID string, ttl time.Duration) TokenSource {
	key := []byte(secret)
	return func(context.Context) (string, error) {
		now := time.Now()
		claims := &tokenClaims{
			DeviceID: deviceID,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				IssuedAt:  jwt.NewNumericDate(now),
				NotBefore: jwt.NewNumericDate(now),
				Issuer:    "ordo-sync",
				Subject:   userID,
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		if err != nil {
			return "", fmt.Errorf("failed to sign token: %w", err)
		}
		return token, nil
	}
}

// Config configures the HTTP provider.
type Config struct {
	Name     string // provider name in logs and checkpoints, default "http"
	BaseURL  string
	Token    TokenSource
	HTTP     *http.Client // default: 30s timeout
	Compress bool         // snappy-encode upload bodies
	Logger   *slog.Logger
}

// Provider talks to one ordo-sync HTTP backend.
type Provider struct {
	name     string
	baseURL  string
	token    TokenSource
	http     *http.Client
	compress bool
	logger   *slog.Logger
}

func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, syncerr.Config(fmt.Errorf("httpsync: base URL is required"))
	}
	if cfg.Token == nil {
		return nil, syncerr.Config(fmt.Errorf("httpsync: token source is required"))
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{
		name:     cfg.Name,
		baseURL:  cfg.BaseURL,
		token:    cfg.Token,
		http:     cfg.HTTP,
		compress: cfg.Compress,
		logger:   cfg.Logger,
	}, nil
}

func (p *Provider) Name() string { return p.name }

type uploadRequest struct {
	Changes []remote.Change `json:"changes"`
}

func (p *Provider) Push(ctx context.Context, changes []remote.Change) (*remote.PushResult, error) {
	jsonData, err := json.Marshal(&uploadRequest{Changes: changes})
	if err != nil {
		return nil, syncerr.Permanent(syncerr.OpUpload, p.name, fmt.Errorf("failed to marshal upload request: %w", err))
	}

	body := jsonData
	if p.compress {
		body = snappy.Encode(nil, jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/sync/upload", bytes.NewBuffer(body))
	if err != nil {
		return nil, syncerr.Permanent(syncerr.OpUpload, p.name, fmt.Errorf("failed to create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.compress {
		httpReq.Header.Set("Content-Encoding", "snappy")
	}
	if err := p.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, syncerr.Transient(syncerr.OpUpload, p.name, fmt.Errorf("failed to send HTTP request: %w", err))
	}
	defer resp.Body.Close()

	if err := p.checkStatus(syncerr.OpUpload, resp); err != nil {
		return nil, err
	}

	var result remote.PushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, syncerr.Transient(syncerr.OpUpload, p.name, fmt.Errorf("failed to decode upload response: %w", err))
	}
	if len(result.Statuses) != len(changes) {
		return nil, syncerr.Transient(syncerr.OpUpload, p.name,
			fmt.Errorf("status count mismatch: sent %d changes, got %d statuses", len(changes), len(result.Statuses)))
	}
	return &result, nil
}

func (p *Provider) Pull(ctx context.Context, collection string, since remote.Checkpoint, limit int) (*remote.PullPage, error) {
	q := url.Values{}
	q.Set("collection", collection)
	q.Set("after", string(since))
	q.Set("limit", fmt.Sprintf("%d", limit))
	reqURL := p.baseURL + "/sync/download?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, syncerr.Permanent(syncerr.OpDownload, p.name, fmt.Errorf("failed to create HTTP request: %w", err))
	}
	if err := p.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, syncerr.Transient(syncerr.OpDownload, p.name, fmt.Errorf("failed to send HTTP request: %w", err))
	}
	defer resp.Body.Close()

	if err := p.checkStatus(syncerr.OpDownload, resp); err != nil {
		return nil, err
	}

	var page remote.PullPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, syncerr.Transient(syncerr.OpDownload, p.name, fmt.Errorf("failed to decode download response: %w", err))
	}
	return &page, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/sync/status", nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := p.authorize(ctx, httpReq); err != nil {
		return err
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", p.name, resp.StatusCode)
	}
	return nil
}

func (p *Provider) Close() error {
	p.http.CloseIdleConnections()
	return nil
}

func (p *Provider) authorize(ctx context.Context, req *http.Request) error {
	token, err := p.token(ctx)
	if err != nil {
		return syncerr.Permanent(syncerr.OpUpload, p.name, fmt.Errorf("failed to get bearer token: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// checkStatus maps HTTP status classes onto the error taxonomy: 5xx and 429
// are transient, other 4xx mean the request can never succeed as sent.
func (p *Provider) checkStatus(op syncerr.Op, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return syncerr.Transient(op, p.name, err)
	}
	return syncerr.Permanent(op, p.name, err)
}

// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncerr defines the error taxonomy shared by the sync engine,
// the conflict subsystem and the backend providers. Classification drives
// behavior: transient errors are retried with backoff, permanent upload
// errors dead-letter the mutation, resolution errors escalate to manual
// handling, and configuration errors are rejected at registration time.
package syncerr

import (
	"errors"
	"fmt"
)

// Code identifies the error class.
type Code string

const (
	CodeTransientNetwork   Code = "TRANSIENT_NETWORK"
	CodePermanentUpload    Code = "PERMANENT_UPLOAD"
	CodeConflictResolution Code = "CONFLICT_RESOLUTION"
	CodeHealthCheck        Code = "HEALTH_CHECK"
	CodeConfiguration      Code = "CONFIGURATION"
	CodeStorage            Code = "STORAGE"
)

// Op names the sync operation during which an error occurred.
type Op string

const (
	OpAppend   Op = "append"
	OpUpload   Op = "upload"
	OpDownload Op = "download"
	OpResolve  Op = "resolve"
	OpProbe    Op = "probe"
	OpConfig   Op = "config"
	OpStore    Op = "store"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Op        Op
	Component string
	Code      Code
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s operation failed", e.Op)
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s", e.Op, e.Component)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable network-class error.
func Transient(op Op, component string, err error) *Error {
	return &Error{Op: op, Component: component, Code: CodeTransientNetwork, Retryable: true, Err: err}
}

// Permanent wraps err as a non-retryable upload error. Mutations failing
// with a permanent error skip further retries and move straight to the
// dead-letter set.
func Permanent(op Op, component string, err error) *Error {
	return &Error{Op: op, Component: component, Code: CodePermanentUpload, Retryable: false, Err: err}
}

// Resolution wraps err as a conflict-resolution error. Never retryable;
// the caller falls back to manual resolution instead.
func Resolution(component string, err error) *Error {
	return &Error{Op: OpResolve, Component: component, Code: CodeConflictResolution, Retryable: false, Err: err}
}

// Health wraps err as a health-check failure. Logged and fed into the
// recovery pass; never stops the probe loop.
func Health(component string, err error) *Error {
	return &Error{Op: OpProbe, Component: component, Code: CodeHealthCheck, Retryable: true, Err: err}
}

// Config wraps err as a configuration error, rejected synchronously at
// registration so it never reaches dispatch.
func Config(err error) *Error {
	return &Error{Op: OpConfig, Code: CodeConfiguration, Retryable: false, Err: err}
}

// Storage wraps err from the durable key-value store.
func Storage(op Op, err error) *Error {
	return &Error{Op: op, Component: "storage", Code: CodeStorage, Retryable: true, Err: err}
}

// IsRetryable reports whether err (or anything it wraps) is marked
// retryable. Unknown errors are not retried.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// CodeOf extracts the taxonomy code from err, or "" for foreign errors.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Sentinels for the conflict-resolution subsystem.
var (
	// ErrNoApplicableRule signals that no enabled rule matched a conflict
	// case. The resolution engine falls back to the manual strategy.
	ErrNoApplicableRule = errors.New("no applicable resolution rule")

	// ErrResolverPanic signals that a caller-supplied custom resolver
	// panicked or returned an error; the case escalates to manual.
	ErrResolverPanic = errors.New("custom resolver failed")
)

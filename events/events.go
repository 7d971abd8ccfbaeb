// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package events is a small typed pub/sub used to surface sync lifecycle
// notifications to the host app. Publishing never blocks the sync engine:
// each subscriber runs on its own goroutine and a panicking subscriber is
// isolated and logged rather than taking the cycle down.
package events

import (
	"log/slog"
	"sync"
)

// Topic delivers values of one payload type to its subscribers.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(T)
	logger *slog.Logger
}

// NewTopic creates an empty topic. logger may be nil.
func NewTopic[T any](logger *slog.Logger) *Topic[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Topic[T]{subs: make(map[int]func(T)), logger: logger}
}

// Subscribe registers handler and returns an unsubscribe func. Handlers run
// concurrently with the engine and with each other; they must do their own
// locking.
func (t *Topic[T]) Subscribe(handler func(T)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = handler
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Publish fans v out to all current subscribers and returns immediately.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	handlers := make([]func(T), 0, len(t.subs))
	for _, h := range t.subs {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		go func(h func(T)) {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("event subscriber panicked", "panic", r)
				}
			}()
			h(v)
		}(h)
	}
}

// Len returns the number of active subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

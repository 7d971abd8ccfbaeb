// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package netmon reports device connectivity to the sync engine. The host
// platform feeds real reachability changes into a Manual monitor; Static is
// for servers and tests that are always online.
package netmon

import "sync"

// Monitor exposes current connectivity and change notifications. Subscribe
// returns an unsubscribe func. Handlers run synchronously on the goroutine
// that flips the state.
type Monitor interface {
	Online() bool
	Subscribe(handler func(online bool)) (unsubscribe func())
}

// Manual is a host-driven monitor.
type Manual struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// NewManual creates a monitor with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: make(map[int]func(bool))}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates connectivity and notifies subscribers on change.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	handlers := make([]func(bool), 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(online)
	}
}

func (m *Manual) Subscribe(handler func(bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = handler
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Static always reports the same state and never notifies.
type Static bool

func (s Static) Online() bool                { return bool(s) }
func (s Static) Subscribe(func(bool)) func() { return func() {} }

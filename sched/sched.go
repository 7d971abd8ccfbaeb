// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

// Package sched abstracts periodic execution so the engine's trigger wiring
// is testable without real timers. The Ticker implementation drives
// production; Manual lets tests fire named jobs deterministically.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scheduler runs named jobs on an interval. Register returns a stop func;
// stopping twice is safe. Jobs receive the scheduler's base context.
type Scheduler interface {
	Register(name string, interval time.Duration, job func(context.Context)) (stop func(), err error)
	Close()
}

// Ticker is the production scheduler: one goroutine per job driven by a
// time.Ticker.
type Ticker struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped map[string]chan struct{}
}

func NewTicker() *Ticker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Ticker{ctx: ctx, cancel: cancel, stopped: make(map[string]chan struct{})}
}

func (s *Ticker) Register(name string, interval time.Duration, job func(context.Context)) (func(), error) {
	if interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval for %q must be positive", name)
	}
	s.mu.Lock()
	if _, exists := s.stopped[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: job %q already registered", name)
	}
	stopCh := make(chan struct{})
	s.stopped[name] = stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				job(s.ctx)
			case <-stopCh:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopCh)
			s.mu.Lock()
			delete(s.stopped, name)
			s.mu.Unlock()
		})
	}, nil
}

// Close stops every job and waits for the goroutines to drain.
func (s *Ticker) Close() {
	s.cancel()
	s.wg.Wait()
}

// Manual is the test scheduler. Registered jobs never run on their own;
// Tick(name) runs one synchronously.
type Manual struct {
	mu   sync.Mutex
	jobs map[string]func(context.Context)
}

func NewManual() *Manual {
	return &Manual{jobs: make(map[string]func(context.Context))}
}

func (s *Manual) Register(name string, _ time.Duration, job func(context.Context)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return nil, fmt.Errorf("scheduler: job %q already registered", name)
	}
	s.jobs[name] = job
	return func() {
		s.mu.Lock()
		delete(s.jobs, name)
		s.mu.Unlock()
	}, nil
}

// Tick runs the named job synchronously. Unknown names are ignored.
func (s *Manual) Tick(name string) {
	s.mu.Lock()
	job := s.jobs[name]
	s.mu.Unlock()
	if job != nil {
		job(context.Background())
	}
}

// Names returns the registered job names.
func (s *Manual) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	return names
}

func (s *Manual) Close() {}

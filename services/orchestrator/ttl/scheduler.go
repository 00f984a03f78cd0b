// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl reclaims expired sessions on a schedule.
package ttl

import (
	"log/slog"
	"sync"
	"time"
)

// Sweeper is the slice of the session store the scheduler needs.
type Sweeper interface {
	SweepExpired() int
}

// =============================================================================
// Struct Definition
// =============================================================================

// Scheduler runs a sweep at a fixed interval on a background goroutine.
//
// Start and Stop are idempotent. The goroutine exits promptly on Stop; an
// in-flight sweep finishes first.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// =============================================================================
// Constructor
// =============================================================================

// NewScheduler builds a scheduler sweeping at the given interval.
// A non-positive interval defaults to five minutes.
func NewScheduler(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
	}
}

// =============================================================================
// Methods
// =============================================================================

// Start launches the sweep loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.runLoop(s.done, s.stopped)
	s.logger.Info("session TTL scheduler started", "interval", s.interval.String())
}

// Stop halts the sweep loop and waits for the goroutine to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("session TTL scheduler stopped")
}

// RunNow triggers one sweep synchronously, outside the schedule.
func (s *Scheduler) RunNow() int {
	count := s.sweeper.SweepExpired()
	if count > 0 {
		s.logger.Info("manual sweep reclaimed sessions", "count", count)
	}
	return count
}

// =============================================================================
// Helper Functions
// =============================================================================

func (s *Scheduler) runLoop(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			count := s.sweeper.SweepExpired()
			if count > 0 {
				s.logger.Info("sweep reclaimed sessions", "count", count)
			}
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds conversations in memory with user ownership and TTL.
//
// Sessions do not survive a process restart and are not shared across
// nodes. Idle sessions expire: a session whose age since its last Save
// exceeds the TTL is treated as absent on read and reclaimed by the
// periodic sweep. Reads do not extend life; only Save refreshes the clock,
// so an idle conversation eventually vanishes even if it is still being
// polled.
package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/google/uuid"
)

// Failure modes, kept distinct so handlers can map them to 404 vs 403.
var (
	// ErrSessionMissing means the id is unknown or the session expired.
	ErrSessionMissing = errors.New("session not found or expired")
	// ErrOwnershipViolation means the session exists but belongs to a
	// different user. Never collapse this into ErrSessionMissing; the API
	// distinguishes 403 from 404.
	ErrOwnershipViolation = errors.New("session owned by a different user")
)

// =============================================================================
// Interface Definition
// =============================================================================

// Store is the session lifecycle contract.
//
// # Thread Safety
//
// All methods are safe under concurrent access from many request handlers.
// Returned sessions are deep copies; mutations only take effect via Save.
type Store interface {
	// Get returns a copy of the session, or ErrSessionMissing for unknown
	// and expired ids.
	Get(sessionID string) (*datatypes.Session, error)

	// Create makes a fresh session owned by userID with a server-generated
	// UUID and returns a copy.
	Create(userID string) *datatypes.Session

	// Save upserts the session and refreshes its updated_at. Saving a
	// session whose stored owner differs fails with ErrOwnershipViolation.
	Save(sess *datatypes.Session) error

	// Delete removes the session. Unknown ids are a no-op.
	Delete(sessionID string)

	// ListByUser returns copies of the user's live sessions ordered by
	// updated_at descending.
	ListByUser(userID string) []*datatypes.Session

	// Acquire takes the per-session mutex and returns its release func.
	// Concurrent requests for one session serialise on it.
	Acquire(sessionID string) (release func())

	// SweepExpired removes every expired session and reports the count.
	SweepExpired() int
}

// =============================================================================
// Struct Definition
// =============================================================================

// MemoryStore implements Store on two maps: id → session and
// user id → set of session ids. The maps are updated atomically under one
// write lock so the user index never disagrees with the primary map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*datatypes.Session
	byUser   map[string]map[string]struct{}

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	ttl time.Duration
	// now is swappable for tests.
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// =============================================================================
// Constructor
// =============================================================================

// NewMemoryStore builds an empty store with the given idle TTL.
// A non-positive ttl defaults to one hour.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStore{
		sessions: make(map[string]*datatypes.Session),
		byUser:   make(map[string]map[string]struct{}),
		locks:    make(map[string]*sync.Mutex),
		ttl:      ttl,
		now:      time.Now,
	}
}

// =============================================================================
// Methods
// =============================================================================

// Get implements Store.
func (s *MemoryStore) Get(sessionID string) (*datatypes.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || s.expired(sess) {
		return nil, ErrSessionMissing
	}
	return sess.Clone(), nil
}

// Create implements Store.
func (s *MemoryStore) Create(userID string) *datatypes.Session {
	now := s.now()
	sess := &datatypes.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Messages:  []datatypes.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	s.indexLocked(userID, sess.ID)
	return sess
}

// Save implements Store.
func (s *MemoryStore) Save(sess *datatypes.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sess.ID]; ok && existing.UserID != sess.UserID {
		return ErrOwnershipViolation
	}

	stored := sess.Clone()
	stored.UpdatedAt = s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	s.sessions[stored.ID] = stored
	s.indexLocked(stored.UserID, stored.ID)
	sess.UpdatedAt = stored.UpdatedAt
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(sessionID)
}

// ListByUser implements Store.
func (s *MemoryStore) ListByUser(userID string) []*datatypes.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, ok := s.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]*datatypes.Session, 0, len(ids))
	for id := range ids {
		if sess, exists := s.sessions[id]; exists && !s.expired(sess) {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Acquire implements Store. Locks are created lazily and live until the
// session is deleted, so a lock outliving its session only serialises
// no-op work.
func (s *MemoryStore) Acquire(sessionID string) func() {
	s.lockMu.Lock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	s.lockMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Len reports how many sessions the store currently holds, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SweepExpired implements Store.
func (s *MemoryStore) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, sess := range s.sessions {
		if s.expired(sess) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.deleteLocked(id)
	}
	if len(expired) > 0 {
		slog.Info("swept expired sessions", "count", len(expired))
	}
	return len(expired)
}

// =============================================================================
// Helper Functions
// =============================================================================

func (s *MemoryStore) expired(sess *datatypes.Session) bool {
	return s.now().Sub(sess.UpdatedAt) > s.ttl
}

// indexLocked must run under mu so the user index and the primary map
// change together.
func (s *MemoryStore) indexLocked(userID, sessionID string) {
	ids, ok := s.byUser[userID]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[userID] = ids
	}
	ids[sessionID] = struct{}{}
}

func (s *MemoryStore) deleteLocked(sessionID string) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	if ids, exists := s.byUser[sess.UserID]; exists {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}

	s.lockMu.Lock()
	delete(s.locks, sessionID)
	s.lockMu.Unlock()
}

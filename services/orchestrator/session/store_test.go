// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore returns a store with a controllable clock.
func newTestStore(ttl time.Duration) (*MemoryStore, *time.Time) {
	store := NewMemoryStore(ttl)
	current := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	return store, &current
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(time.Hour)

	sess := store.Create("u1")
	require.NotEmpty(t, sess.ID)
	_, err := uuid.Parse(sess.ID)
	require.NoError(t, err, "session ids must be UUIDs")
	assert.Equal(t, "u1", sess.UserID)
	assert.Empty(t, sess.AssignedAgent)
	assert.Equal(t, sess.CreatedAt, sess.UpdatedAt)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestGet_UnknownID(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	_, err := store.Get("nope")
	require.ErrorIs(t, err, ErrSessionMissing)
}

func TestGet_ReturnsCopy(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	sess := store.Create("u1")

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	got.AppendMessage(datatypes.Message{Role: datatypes.RoleUser, Content: "leak?"})

	again, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Messages, "mutating a returned session must not affect the store")
}

func TestSave_RefreshesUpdatedAtAndTTL(t *testing.T) {
	store, clock := newTestStore(time.Hour)
	sess := store.Create("u1")

	// 50 minutes pass, then a save touches the session.
	*clock = clock.Add(50 * time.Minute)
	sess.AppendMessage(datatypes.Message{Role: datatypes.RoleUser, Content: "hi"})
	require.NoError(t, store.Save(sess))

	// Another 50 minutes: inside TTL again because save refreshed it.
	*clock = clock.Add(50 * time.Minute)
	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestGet_DoesNotExtendTTL(t *testing.T) {
	store, clock := newTestStore(time.Hour)
	sess := store.Create("u1")

	*clock = clock.Add(59 * time.Minute)
	_, err := store.Get(sess.ID)
	require.NoError(t, err)

	// The read above must not have reset the clock.
	*clock = clock.Add(2 * time.Minute)
	_, err = store.Get(sess.ID)
	require.ErrorIs(t, err, ErrSessionMissing)
}

func TestSave_OwnershipViolation(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	sess := store.Create("u1")

	stolen := sess.Clone()
	stolen.UserID = "u2"
	err := store.Save(stolen)
	require.ErrorIs(t, err, ErrOwnershipViolation)

	got, getErr := store.Get(sess.ID)
	require.NoError(t, getErr)
	assert.Equal(t, "u1", got.UserID, "a failed save must not mutate the stored session")
}

func TestListByUser_OrderAndIsolation(t *testing.T) {
	store, clock := newTestStore(time.Hour)

	a := store.Create("u1")
	*clock = clock.Add(time.Minute)
	b := store.Create("u1")
	*clock = clock.Add(time.Minute)
	require.NoError(t, store.Save(a)) // a is now the most recent
	store.Create("u2")

	list := store.ListByUser("u1")
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID, "ordered by updated_at descending")
	assert.Equal(t, b.ID, list[1].ID)

	assert.Len(t, store.ListByUser("u2"), 1)
	assert.Empty(t, store.ListByUser("u3"))
}

func TestSweepExpired(t *testing.T) {
	store, clock := newTestStore(time.Hour)

	old := store.Create("u1")
	*clock = clock.Add(2 * time.Hour)
	fresh := store.Create("u1")

	assert.Equal(t, 1, store.SweepExpired())

	_, err := store.Get(old.ID)
	require.ErrorIs(t, err, ErrSessionMissing)
	_, err = store.Get(fresh.ID)
	require.NoError(t, err)

	// The user index must not keep pointing at the reclaimed session.
	assert.Len(t, store.ListByUser("u1"), 1)
}

func TestDelete_Idempotent(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	sess := store.Create("u1")
	store.Delete(sess.ID)
	store.Delete(sess.ID)
	_, err := store.Get(sess.ID)
	require.ErrorIs(t, err, ErrSessionMissing)
}

func TestAcquire_SerialisesSameSession(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	sess := store.Create("u1")

	const workers = 8
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := store.Acquire(sess.ID)
			defer release()
			// Unsynchronised read-modify-write, safe only under the
			// session lock.
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, workers, counter)
}

func TestConcurrentCreateAndSave(t *testing.T) {
	store, _ := newTestStore(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sess := store.Create(fmt.Sprintf("user-%d", n%4))
			sess.AppendMessage(datatypes.Message{Role: datatypes.RoleUser, Content: "hello"})
			assert.NoError(t, store.Save(sess))
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 4; i++ {
		total += len(store.ListByUser(fmt.Sprintf("user-%d", i)))
	}
	assert.Equal(t, 32, total)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ttl

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (c *countingSweeper) SweepExpired() int {
	c.calls.Add(1)
	return 1
}

func TestScheduler_SweepsOnInterval(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewScheduler(sweeper, 10*time.Millisecond, nil)

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return sweeper.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_StopHaltsLoop(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewScheduler(sweeper, 10*time.Millisecond, nil)

	s.Start()
	s.Stop()
	after := sweeper.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, sweeper.calls.Load(), "no sweeps after Stop")
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewScheduler(sweeper, time.Hour, nil)

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}

func TestScheduler_RunNow(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewScheduler(sweeper, time.Hour, nil)
	assert.Equal(t, 1, s.RunNow())
	assert.Equal(t, int32(1), sweeper.calls.Load())
}

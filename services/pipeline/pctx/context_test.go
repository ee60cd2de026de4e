// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pctx

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

func TestNew_Defaults(t *testing.T) {
	c := New(nil)
	defer c.Release()

	assert.Len(t, c.ID(), 36)
	assert.False(t, c.StartedAt().IsZero())
	assert.NotNil(t, c.Logger())
	assert.Equal(t, 7, c.Settings().GetInt("anything", 7))
	assert.True(t, c.HistoryEnabled())
	assert.False(t, c.Cancelled())
}

func TestStore(t *testing.T) {
	c := New(context.Background(), WithID("exec-1"), WithValues(map[string]any{"seed": 1}))
	defer c.Release()

	assert.Equal(t, "exec-1", c.ID())
	assert.True(t, c.Has("seed"))

	c.Set("name", "build")
	c.Merge(map[string]any{"count": 3, "ratio": 0.5})

	assert.Equal(t, "build", Get(c, "name", ""))
	assert.Equal(t, 3, Get(c, "count", 0))
	assert.Equal(t, "fallback", Get(c, "count", "fallback"), "type mismatch returns default")
	assert.Equal(t, 9, Get(c, "missing", 9))

	v, ok := Lookup[float64](c, "ratio")
	assert.True(t, ok)
	assert.Equal(t, 0.5, v)

	assert.Equal(t, []string{"count", "name", "ratio", "seed"}, c.Keys())

	snap := c.Snapshot()
	snap["name"] = "mutated"
	assert.Equal(t, "build", Get(c, "name", ""), "snapshot must be a copy")

	assert.True(t, c.Remove("name"))
	assert.False(t, c.Remove("name"))
	assert.False(t, c.Has("name"))
}

func TestStore_ConcurrentAccess(t *testing.T) {
	c := New(context.Background())
	defer c.Release()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", n%5)
			c.Set(key, n)
			_ = Get(c, key, 0)
			_ = c.Keys()
		}(i)
	}
	wg.Wait()
	assert.Len(t, c.Keys(), 5)
}

func TestCancel(t *testing.T) {
	c := New(context.Background())
	defer c.Release()

	_, ok := c.CancelReason()
	assert.False(t, ok)

	assert.True(t, c.Cancel(CancelReason{Type: CancelUser, Message: "stop"}))
	assert.False(t, c.Cancel(CancelReason{Type: CancelShutdown}), "second cancel is a no-op")

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after Cancel")
	}

	reason, ok := c.CancelReason()
	require.True(t, ok)
	assert.Equal(t, CancelUser, reason.Type)
	assert.Equal(t, "stop", reason.Message)
	assert.False(t, reason.Timestamp.IsZero())
	assert.Error(t, c.Context().Err())
}

func TestCancel_ParentPropagates(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := New(parent)
	defer c.Release()

	cancel()
	<-c.Done()

	reason, ok := c.CancelReason()
	require.True(t, ok)
	assert.Equal(t, CancelParent, reason.Type)
}

func TestRelease_IsNotCancellation(t *testing.T) {
	c := New(context.Background())
	c.Release()

	<-c.Done()
	assert.False(t, c.Cancelled())
	assert.NoError(t, c.Err())
	_, ok := c.CancelReason()
	assert.False(t, ok, "releasing an uncancelled context records no reason")
}

func TestRelease_KeepsEarlierCancellation(t *testing.T) {
	c := New(context.Background())
	c.Cancel(CancelReason{Type: CancelUser, Message: "stop"})
	c.Release()

	assert.True(t, c.Cancelled())
	reason, ok := c.CancelReason()
	require.True(t, ok)
	assert.Equal(t, CancelUser, reason.Type)
}

func TestRelease_KeepsParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := New(parent)
	cancel()
	<-c.Done()
	c.Release()

	assert.True(t, c.Cancelled())
	reason, ok := c.CancelReason()
	require.True(t, ok)
	assert.Equal(t, CancelParent, reason.Type)
}

func TestHistory_Bounded(t *testing.T) {
	c := New(context.Background(), WithHistoryLimit(3))
	defer c.Release()

	for i := 0; i < 5; i++ {
		c.AddExecutionStep(Step{Event: EventUnitStatus, UnitID: fmt.Sprintf("u%d", i)})
	}

	h := c.History()
	require.Len(t, h, 3)
	assert.Equal(t, "u2", h[0].UnitID)
	assert.Equal(t, "u4", h[2].UnitID)
	assert.Equal(t, uint64(3), h[0].Seq)
	assert.Equal(t, uint64(5), h[2].Seq)
	assert.Equal(t, 2, c.HistoryDropped())

	recent := c.RecentHistory(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "u4", recent[0].UnitID)

	h[0].UnitID = "tampered"
	assert.Equal(t, "u2", c.History()[0].UnitID, "history entries are immutable")
}

func TestHistory_Disabled(t *testing.T) {
	c := New(context.Background(), WithHistoryLimit(0))
	defer c.Release()

	c.AddExecutionStep(Step{Event: EventStageStarted})
	assert.False(t, c.HistoryEnabled())
	assert.Empty(t, c.History())
}

func TestMetrics(t *testing.T) {
	c := New(context.Background())
	defer c.Release()

	c.UnitStarted()
	c.UnitStarted()
	c.UnitFinished(unit.StatusSucceeded)
	c.UnitStarted()
	c.UnitFinished(unit.StatusTimedOut)
	c.UnitFinished(unit.StatusFailed)
	c.UnitSettled(unit.StatusSkipped)
	c.UnitRetried()
	c.UnitRolledBack()

	m := c.Metrics()
	assert.Equal(t, int64(3), m.UnitsRun)
	assert.Equal(t, int64(1), m.UnitsSucceeded)
	assert.Equal(t, int64(2), m.UnitsFailed)
	assert.Equal(t, int64(1), m.UnitsSkipped)
	assert.Equal(t, int64(1), m.Retries)
	assert.Equal(t, int64(1), m.UnitsRolledBack)
	assert.Equal(t, int64(0), m.Running)
	assert.Equal(t, int64(2), m.PeakConcurrency)
}

func TestRing(t *testing.T) {
	r := newRing[int](2)
	assert.Nil(t, r.slice())
	assert.False(t, r.push(1))
	assert.False(t, r.push(2))
	assert.True(t, r.push(3))
	assert.Equal(t, []int{2, 3}, r.slice())
	assert.Equal(t, []int{3, 2}, r.last(5))
	assert.Equal(t, 2, r.len())
	assert.Equal(t, 2, r.capacity())
	assert.Equal(t, 1, newRing[int](0).capacity())
}

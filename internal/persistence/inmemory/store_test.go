// Copyright 2025 James Ross
package inmemory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinolb/trino-lb/internal/trinoapi"
)

func TestIncrClusterCounterCapAndNonNegative(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	ok, err := s.IncrClusterCounter(ctx, "c", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	n, _ := s.GetClusterCounter(ctx, "c")
	assert.Zero(t, n)

	ok, err = s.IncrClusterCounter(ctx, "c", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IncrClusterCounter(ctx, "c", 1)
	require.NoError(t, err)
	assert.False(t, ok, "second increment under cap=1 must fail")
}

func TestDecrClamp(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	require.NoError(t, s.DecrClusterCounter(ctx, "c"))
	n, _ := s.GetClusterCounter(ctx, "c")
	assert.Zero(t, n)

	_, _ = s.IncrClusterCounter(ctx, "c", 5)
	require.NoError(t, s.DecrClusterCounter(ctx, "c"))
	n, _ = s.GetClusterCounter(ctx, "c")
	assert.Zero(t, n)
}

func TestIncrClusterCounterConcurrentCallersRespectCap(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	const cap = 10
	const callers = 100

	var wg sync.WaitGroup
	successes := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.IncrClusterCounter(ctx, "c", cap)
			require.NoError(t, err)
			successes <- ok
		}()
	}
	wg.Wait()
	close(successes)

	admitted := 0
	for ok := range successes {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, cap, admitted)
	n, _ := s.GetClusterCounter(ctx, "c")
	assert.EqualValues(t, cap, n)
}

func TestReapQueuedBefore(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutQueued(ctx, trinoapi.QueuedStatement{ID: "q1", ClusterGroup: "g", LastAccessed: now.Add(-10 * time.Minute)}))
	require.NoError(t, s.PutQueued(ctx, trinoapi.QueuedStatement{ID: "q2", ClusterGroup: "g", LastAccessed: now}))

	n, err := s.ReapQueuedBefore(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetQueued(ctx, "q1")
	assert.Error(t, err)
	_, err = s.GetQueued(ctx, "q2")
	assert.NoError(t, err)
}

func TestReapQueuedBeforeImmediatelyAfterInsertRemovesNothing(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.PutQueued(ctx, trinoapi.QueuedStatement{ID: "q1", ClusterGroup: "g", LastAccessed: now}))

	n, err := s.ReapQueuedBefore(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCountQueuedByGroup(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	require.NoError(t, s.PutQueued(ctx, trinoapi.QueuedStatement{ID: "q1", ClusterGroup: "a"}))
	require.NoError(t, s.PutQueued(ctx, trinoapi.QueuedStatement{ID: "q2", ClusterGroup: "a"}))
	require.NoError(t, s.PutQueued(ctx, trinoapi.QueuedStatement{ID: "q3", ClusterGroup: "b"}))

	n, err := s.CountQueued(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestClusterStateDefaultsUnknown(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	st, err := s.GetClusterState(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, trinoapi.StateUnknown, st.Kind)
}

func TestDispatchedRoundTrip(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	ds := trinoapi.DispatchedStatement{ID: "d1", ClusterName: "c1"}
	require.NoError(t, s.PutDispatched(ctx, ds))

	got, err := s.GetDispatched(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, ds, got)

	require.NoError(t, s.RemoveDispatched(ctx, "d1"))
	_, err = s.GetDispatched(ctx, "d1")
	assert.Error(t, err)
}

func TestLastRefreshRoundTrip(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.SetLastRefresh(ctx, now))
	got, err := s.GetLastRefresh(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(now))
}

// Copyright 2025 James Ross
package redispersist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinolb/trino-lb/internal/trinoapi"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestQueuedRoundTripAndGroupIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	qs := trinoapi.QueuedStatement{ID: "q1", SQL: "select 1", ClusterGroup: "adhoc", CreationTime: now, LastAccessed: now}
	require.NoError(t, s.PutQueued(ctx, qs))

	got, err := s.GetQueued(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, qs.SQL, got.SQL)
	assert.Equal(t, qs.ClusterGroup, got.ClusterGroup)

	n, err := s.CountQueued(ctx, "adhoc")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, s.RemoveQueued(ctx, "q1"))
	n, err = s.CountQueued(ctx, "adhoc")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReapQueuedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutQueued(ctx, trinoapi.QueuedStatement{ID: "old", ClusterGroup: "g", LastAccessed: now.Add(-10 * time.Minute)}))
	require.NoError(t, s.PutQueued(ctx, trinoapi.QueuedStatement{ID: "new", ClusterGroup: "g", LastAccessed: now}))

	n, err := s.ReapQueuedBefore(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetQueued(ctx, "old")
	assert.Error(t, err)
	_, err = s.GetQueued(ctx, "new")
	assert.NoError(t, err)
}

func TestIncrClusterCounterCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.IncrClusterCounter(ctx, "c", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.IncrClusterCounter(ctx, "c", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IncrClusterCounter(ctx, "c", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.GetClusterCounter(ctx, "c")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDecrClusterCounterClampsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DecrClusterCounter(ctx, "c"))
	n, err := s.GetClusterCounter(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, _ = s.IncrClusterCounter(ctx, "c", 5)
	require.NoError(t, s.DecrClusterCounter(ctx, "c"))
	n, err = s.GetClusterCounter(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ds := trinoapi.DispatchedStatement{ID: "d1", ClusterName: "c1", ClusterEndpoint: "http://c1:8080"}
	require.NoError(t, s.PutDispatched(ctx, ds))

	got, err := s.GetDispatched(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, ds.ClusterName, got.ClusterName)

	require.NoError(t, s.RemoveDispatched(ctx, "d1"))
	_, err = s.GetDispatched(ctx, "d1")
	assert.Error(t, err)
}

func TestClusterStateRoundTripDefaultsUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.GetClusterState(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, trinoapi.StateUnknown, st.Kind)

	want := trinoapi.Draining(time.Now())
	require.NoError(t, s.SetClusterState(ctx, "c", want))
	got, err := s.GetClusterState(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, want.Kind, got.Kind)
}

func TestLastRefreshRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.SetLastRefresh(ctx, now))
	got, err := s.GetLastRefresh(ctx)
	require.NoError(t, err)
	assert.True(t, got.Equal(now))
}

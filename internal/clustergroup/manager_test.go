// Copyright 2025 James Ross
package clustergroup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinolb/trino-lb/internal/clusterregistry"
	"github.com/trinolb/trino-lb/internal/config"
	"github.com/trinolb/trino-lb/internal/persistence/inmemory"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

func testRegistry(t *testing.T, endpoints ...string) *clusterregistry.Registry {
	t.Helper()
	clusters := make([]config.ClusterConfig, 0, len(endpoints))
	for i, ep := range endpoints {
		clusters = append(clusters, config.ClusterConfig{Name: namesFor(i), Endpoint: ep})
	}
	r, err := clusterregistry.New(map[string]config.ClusterGroupConfig{
		"adhoc": {MaxRunningQueries: 2, TrinoClusters: clusters},
	})
	require.NoError(t, err)
	return r
}

func namesFor(i int) string {
	return []string{"c1", "c2", "c3"}[i]
}

func TestBestClusterPicksLeastLoadedReady(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t, "http://c1:8080", "http://c2:8080")
	store := inmemory.New(nil)
	require.NoError(t, store.SetClusterState(ctx, "c1", trinoapi.ClusterState{Kind: trinoapi.StateReady}))
	require.NoError(t, store.SetClusterState(ctx, "c2", trinoapi.ClusterState{Kind: trinoapi.StateReady}))
	require.NoError(t, store.SetClusterCounter(ctx, "c1", 1))
	require.NoError(t, store.SetClusterCounter(ctx, "c2", 0))

	m := New(reg, store, http.DefaultClient)
	c, ok, err := m.BestCluster(ctx, "adhoc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c2", c.Name)
}

func TestBestClusterExcludesNonReadyAndFullClusters(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t, "http://c1:8080", "http://c2:8080")
	store := inmemory.New(nil)
	require.NoError(t, store.SetClusterState(ctx, "c1", trinoapi.ClusterState{Kind: trinoapi.StateStarting}))
	require.NoError(t, store.SetClusterState(ctx, "c2", trinoapi.ClusterState{Kind: trinoapi.StateReady}))
	require.NoError(t, store.SetClusterCounter(ctx, "c2", 2)) // at cap

	m := New(reg, store, http.DefaultClient)
	_, ok, err := m.BestCluster(ctx, "adhoc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatchUnauthorizedDoesNotConsumeSlot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="trino"`)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	reg := testRegistry(t, srv.URL)
	store := inmemory.New(nil)
	m := New(reg, store, http.DefaultClient)

	out, err := m.Dispatch(context.Background(), reg.ClustersOf("adhoc")[0], "select 1", http.Header{})
	require.NoError(t, err)
	assert.True(t, out.Unauthorized)
	assert.Equal(t, []string{`Bearer realm="trino"`}, out.WWWAuthenticate)
	assert.Equal(t, []byte("nope"), out.Body)
}

func TestDispatchFiltersResponseHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Trino-Query-Id", "q1")
		w.Header().Set("Set-Cookie", "session=abc")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"q1","nextUri":"http://backend/v1/statement/queued/q1/x/y"}`))
	}))
	defer srv.Close()

	reg := testRegistry(t, srv.URL)
	m := New(reg, inmemory.New(nil), http.DefaultClient)

	out, err := m.Dispatch(context.Background(), reg.ClustersOf("adhoc")[0], "select 1", http.Header{})
	require.NoError(t, err)
	assert.False(t, out.Unauthorized)
	assert.Equal(t, "q1", out.Headers.Get("X-Trino-Query-Id"))
	assert.Empty(t, out.Headers.Get("Set-Cookie"))
	assert.Equal(t, "q1", out.Envelope.ID)
}

func TestRewriteNextURIPreservesPathAndQuery(t *testing.T) {
	got, err := RewriteNextURI("http://backend-a:8080/v1/statement/queued/q1/abc/tok?x=1", "https://lb.example.com:8443")
	require.NoError(t, err)
	assert.Equal(t, "https://lb.example.com:8443/v1/statement/queued/q1/abc/tok?x=1", got)
}

func TestRewriteNextURIEmptyIsEmpty(t *testing.T) {
	got, err := RewriteNextURI("", "https://lb.example.com")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPollReturnsFilteredHeadersAndEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Trino-Query-Id", "q1")
		w.Write([]byte(`{"id":"q1"}`))
	}))
	defer srv.Close()

	m := New(testRegistry(t, srv.URL), inmemory.New(nil), http.DefaultClient)
	env, headers, err := m.Poll(context.Background(), srv.URL+"/v1/statement/executing/q1/a/b", http.Header{})
	require.NoError(t, err)
	assert.Equal(t, "q1", env.ID)
	assert.Equal(t, "q1", headers.Get("X-Trino-Query-Id"))
}

func TestStatsAndAllStats(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t, "http://c1:8080", "http://c2:8080")
	store := inmemory.New(nil)
	require.NoError(t, store.SetClusterCounter(ctx, "c1", 1))

	m := New(reg, store, http.DefaultClient)
	stats, err := m.Stats(ctx, "adhoc")
	require.NoError(t, err)
	require.Len(t, stats, 2)

	all, err := m.AllStats(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

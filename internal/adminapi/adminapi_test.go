// Copyright 2025 James Ross
package adminapi

import (
	"encoding/json"
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

func newTestAPI(t *testing.T, creds Credentials) (*API, *inmemory.Store, *httptest.Server) {
	t.Helper()
	reg, err := clusterregistry.New(map[string]config.ClusterGroupConfig{
		"adhoc": {
			MaxRunningQueries: 10,
			TrinoClusters:     []config.ClusterConfig{{Name: "c1", Endpoint: "http://c1.internal:8080"}},
		},
	})
	require.NoError(t, err)
	store := inmemory.New(nil)
	api := New(reg, store, creds, nil, nil)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return api, store, srv
}

func doAuthed(t *testing.T, method, url string, creds *Credentials) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if creds != nil {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminRequiresBasicAuth(t *testing.T) {
	creds := Credentials{Username: "admin", Password: "secret"}
	_, _, srv := newTestAPI(t, creds)

	resp := doAuthed(t, http.MethodGet, srv.URL+"/admin/clusters/status", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	bad := Credentials{Username: "admin", Password: "wrong"}
	resp = doAuthed(t, http.MethodGet, srv.URL+"/admin/clusters/status", &bad)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doAuthed(t, http.MethodGet, srv.URL+"/admin/clusters/status", &creds)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeactivateThenActivateRoundTrip(t *testing.T) {
	_, store, srv := newTestAPI(t, Credentials{})
	ctx := t.Context()

	resp := doAuthed(t, http.MethodPost, srv.URL+"/admin/clusters/c1/deactivate", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	state, err := store.GetClusterState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, trinoapi.StateDeactivated, state.Kind)

	resp = doAuthed(t, http.MethodPost, srv.URL+"/admin/clusters/c1/activate", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	state, err = store.GetClusterState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, trinoapi.StateUnknown, state.Kind, "activate clears to Unknown so the reconciler re-derives truth")
}

func TestRepeatedActivateIsIdempotent(t *testing.T) {
	_, store, srv := newTestAPI(t, Credentials{})
	for i := 0; i < 3; i++ {
		resp := doAuthed(t, http.MethodPost, srv.URL+"/admin/clusters/c1/activate", nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
	state, err := store.GetClusterState(t.Context(), "c1")
	require.NoError(t, err)
	assert.Equal(t, trinoapi.StateUnknown, state.Kind)
}

func TestAdminUnknownClusterIs404(t *testing.T) {
	_, _, srv := newTestAPI(t, Credentials{})
	for _, path := range []string{
		"/admin/clusters/ghost/activate",
		"/admin/clusters/ghost/deactivate",
	} {
		resp := doAuthed(t, http.MethodPost, srv.URL+path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp := doAuthed(t, http.MethodGet, srv.URL+"/admin/clusters/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClusterStatusReportsStateAndCounter(t *testing.T) {
	_, store, srv := newTestAPI(t, Credentials{})
	ctx := t.Context()
	require.NoError(t, store.SetClusterState(ctx, "c1", trinoapi.ClusterState{Kind: trinoapi.StateReady}))
	require.NoError(t, store.SetClusterCounter(ctx, "c1", 7))

	resp := doAuthed(t, http.MethodGet, srv.URL+"/admin/clusters/c1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Cluster string `json:"cluster"`
		State   struct {
			Kind string `json:"kind"`
		} `json:"state"`
		Counter int64 `json:"running_queries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "c1", status.Cluster)
	assert.Equal(t, "Ready", status.State.Kind)
	assert.EqualValues(t, 7, status.Counter)
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	_, _, srv := newTestAPI(t, Credentials{})

	resp := doAuthed(t, http.MethodGet, srv.URL+"/admin/clusters/status", nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"), "a request id is generated when the caller sends none")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin/clusters/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "caller-supplied-id", resp2.Header.Get("X-Request-ID"), "an inbound request id is forwarded as-is")
}

func TestQueryUIWithoutIDIs400(t *testing.T) {
	_, _, srv := newTestAPI(t, Credentials{})
	resp := doAuthed(t, http.MethodGet, srv.URL+"/ui/query.html", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryUIRendersQueuedStatement(t *testing.T) {
	_, store, srv := newTestAPI(t, Credentials{})
	qs := trinoapi.QueuedStatement{ID: "trino_lb_20260101_000000_AAAAAAAA", ClusterGroup: "adhoc"}
	require.NoError(t, store.PutQueued(t.Context(), qs))

	resp := doAuthed(t, http.MethodGet, srv.URL+"/ui/query.html?"+qs.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

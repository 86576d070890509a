// Copyright 2025 James Ross
// Package clustergroup implements the C4 Cluster-Group Manager: picking
// the least-loaded ready cluster within a group, dispatching and polling
// statements against it, and filtering response headers the way the
// Trino wire protocol expects.
package clustergroup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trinolb/trino-lb/internal/breaker"
	"github.com/trinolb/trino-lb/internal/clusterregistry"
	"github.com/trinolb/trino-lb/internal/obs"
	"github.com/trinolb/trino-lb/internal/persistence"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

// breakerWindow/Cooldown/FailureThreshold/MinSamples tune the per-cluster
// circuit breakers guarding outbound backend calls: a cluster that is
// timing out or erroring out should stop absorbing new dispatch/poll
// traffic for a cooldown period rather than let every caller pay the same
// timeout.
const (
	breakerWindow        = 30 * time.Second
	breakerCooldown      = 10 * time.Second
	breakerFailureThresh = 0.5
	breakerMinSamples    = 5
)

// ErrCircuitOpen is returned when a cluster's breaker has tripped and is
// not yet accepting probe traffic.
var ErrCircuitOpen = fmt.Errorf("cluster circuit breaker open")

// Manager is the C4 cluster-group manager.
type Manager struct {
	registry *clusterregistry.Registry
	store    persistence.Store
	client   *http.Client

	breakersMu sync.Mutex
	breakers   map[string]*breaker.CircuitBreaker
}

// New builds a Manager sharing a single *http.Client across all dispatch
// and poll calls, per the "no per-request connection" resource-lifetime
// rule.
func New(registry *clusterregistry.Registry, store persistence.Store, client *http.Client) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{registry: registry, store: store, client: client, breakers: make(map[string]*breaker.CircuitBreaker)}
}

// breakerFor returns (creating if needed) the circuit breaker guarding
// outbound calls to the named cluster.
func (m *Manager) breakerFor(name string) *breaker.CircuitBreaker {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	cb, ok := m.breakers[name]
	if !ok {
		cb = breaker.New(breakerWindow, breakerCooldown, breakerFailureThresh, breakerMinSamples)
		m.breakers[name] = cb
	}
	return cb
}

// breakerForHost resolves nextURI's host back to a known cluster and
// returns its breaker; Poll only ever has a URI to go on, not a Cluster
// value, since it follows whatever nextUri the backend handed back.
func (m *Manager) breakerForHost(nextURI string) *breaker.CircuitBreaker {
	key := nextURI
	if u, err := url.Parse(nextURI); err == nil && u.Host != "" {
		key = u.Host
		if name, ok := m.registry.ClusterByHost(u.Host); ok {
			key = name
		}
	}
	return m.breakerFor(key)
}

// clusterLoad is a cluster paired with its live state/counter, used only
// for the best_cluster selection.
type clusterLoad struct {
	cluster clusterregistry.Cluster
	state   trinoapi.ClusterState
	counter int64
}

// BestCluster implements spec.md's best_cluster: among clusters of group
// whose state accepts queries and whose counter is below cap, returns the
// one with the minimum counter, ties broken by configuration order.
// Returns (Cluster{}, false) if none qualify.
func (m *Manager) BestCluster(ctx context.Context, group string) (clusterregistry.Cluster, bool, error) {
	clusters := m.registry.ClustersOf(group)
	loads := make([]clusterLoad, 0, len(clusters))
	for _, c := range clusters {
		state, err := m.store.GetClusterState(ctx, c.Name)
		if err != nil {
			return clusterregistry.Cluster{}, false, fmt.Errorf("get cluster state %s: %w", c.Name, err)
		}
		if !state.AcceptsQueries() {
			continue
		}
		counter, err := m.store.GetClusterCounter(ctx, c.Name)
		if err != nil {
			return clusterregistry.Cluster{}, false, fmt.Errorf("get cluster counter %s: %w", c.Name, err)
		}
		if counter >= c.MaxConcurrent {
			continue
		}
		loads = append(loads, clusterLoad{cluster: c, state: state, counter: counter})
	}
	if len(loads) == 0 {
		return clusterregistry.Cluster{}, false, nil
	}
	sort.SliceStable(loads, func(i, j int) bool { return loads[i].counter < loads[j].counter })
	return loads[0].cluster, true, nil
}

// DispatchOutcome is the tagged result of Dispatch.
type DispatchOutcome struct {
	Unauthorized    bool
	WWWAuthenticate []string
	Body            []byte

	Envelope trinoapi.Envelope
	Headers  http.Header // backend's x-trino-* headers only
}

// Dispatch POSTs sql to the cluster's statement endpoint carrying the
// client's headers verbatim.
func (m *Manager) Dispatch(ctx context.Context, c clusterregistry.Cluster, sql string, headers http.Header) (DispatchOutcome, error) {
	cb := m.breakerFor(c.Name)
	if !cb.Allow() {
		obs.BackendCallErrors.WithLabelValues("dispatch").Inc()
		return DispatchOutcome{}, ErrCircuitOpen
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.Endpoint, "/")+"/v1/statement", bytes.NewBufferString(sql))
	if err != nil {
		cb.Record(false)
		return DispatchOutcome{}, err
	}
	copyHeaders(req.Header, headers)
	if c.Credentials != nil && req.Header.Get("Authorization") == "" {
		req.SetBasicAuth(c.Credentials.Username, c.Credentials.Password)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		cb.Record(false)
		obs.BackendCallErrors.WithLabelValues("dispatch").Inc()
		return DispatchOutcome{}, fmt.Errorf("dispatch to %s: %w", c.Name, err)
	}
	cb.Record(true)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return DispatchOutcome{}, fmt.Errorf("read dispatch response from %s: %w", c.Name, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return DispatchOutcome{
			Unauthorized:    true,
			WWWAuthenticate: resp.Header.Values("WWW-Authenticate"),
			Body:            body,
		}, nil
	}

	var env trinoapi.Envelope
	if err := decodeJSON(body, &env); err != nil {
		return DispatchOutcome{}, fmt.Errorf("decode dispatch envelope from %s: %w", c.Name, err)
	}
	return DispatchOutcome{Envelope: env, Headers: filterXTrinoHeaders(resp.Header)}, nil
}

// Poll issues a plain GET against nextURI, applying the same header
// filtering rules as Dispatch.
func (m *Manager) Poll(ctx context.Context, nextURI string, headers http.Header) (trinoapi.Envelope, http.Header, error) {
	cb := m.breakerForHost(nextURI)
	if !cb.Allow() {
		obs.BackendCallErrors.WithLabelValues("poll").Inc()
		return trinoapi.Envelope{}, nil, ErrCircuitOpen
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nextURI, nil)
	if err != nil {
		cb.Record(false)
		return trinoapi.Envelope{}, nil, err
	}
	copyHeaders(req.Header, headers)

	resp, err := m.client.Do(req)
	if err != nil {
		cb.Record(false)
		obs.BackendCallErrors.WithLabelValues("poll").Inc()
		return trinoapi.Envelope{}, nil, fmt.Errorf("poll %s: %w", nextURI, err)
	}
	cb.Record(true)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return trinoapi.Envelope{}, nil, err
	}

	var env trinoapi.Envelope
	if err := decodeJSON(body, &env); err != nil {
		return trinoapi.Envelope{}, nil, fmt.Errorf("decode poll envelope: %w", err)
	}
	return env, filterXTrinoHeaders(resp.Header), nil
}

// Cancel issues a DELETE against the cluster at path, carrying headers
// verbatim.
func (m *Manager) Cancel(ctx context.Context, c clusterregistry.Cluster, headers http.Header, path string) error {
	cb := m.breakerFor(c.Name)
	if !cb.Allow() {
		obs.BackendCallErrors.WithLabelValues("cancel").Inc()
		return ErrCircuitOpen
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, strings.TrimRight(c.Endpoint, "/")+path, nil)
	if err != nil {
		cb.Record(false)
		return err
	}
	copyHeaders(req.Header, headers)
	resp, err := m.client.Do(req)
	if err != nil {
		cb.Record(false)
		obs.BackendCallErrors.WithLabelValues("cancel").Inc()
		return fmt.Errorf("cancel on %s: %w", c.Name, err)
	}
	cb.Record(true)
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// ClusterStats summarizes a single cluster's live state for status
// surfaces.
type ClusterStats struct {
	Name    string
	Group   string
	State   trinoapi.ClusterStateKind
	Counter int64
	Cap     int64
}

// Stats returns live stats for every cluster in group.
func (m *Manager) Stats(ctx context.Context, group string) ([]ClusterStats, error) {
	var out []ClusterStats
	for _, c := range m.registry.ClustersOf(group) {
		state, err := m.store.GetClusterState(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		counter, err := m.store.GetClusterCounter(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, ClusterStats{Name: c.Name, Group: group, State: state.Kind, Counter: counter, Cap: c.MaxConcurrent})
	}
	return out, nil
}

// AllStats returns live stats across every configured group.
func (m *Manager) AllStats(ctx context.Context) ([]ClusterStats, error) {
	var out []ClusterStats
	for _, g := range m.registry.Groups() {
		s, err := m.Stats(ctx, g)
		if err != nil {
			return nil, err
		}
		out = append(out, s...)
	}
	return out, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// filterXTrinoHeaders keeps only headers prefixed x-trino- (case
// insensitive), per spec.md's header-filtering rule for successful
// responses.
func filterXTrinoHeaders(h http.Header) http.Header {
	out := make(http.Header)
	for k, vs := range h {
		if strings.HasPrefix(strings.ToLower(k), "x-trino-") {
			out[k] = vs
		}
	}
	return out
}

func decodeJSON(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

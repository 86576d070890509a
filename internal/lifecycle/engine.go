// Copyright 2025 James Ross
// Package lifecycle implements the C5 Statement Lifecycle Engine: the
// client-facing HTTP surface that accepts, queues, dispatches, polls, and
// cancels statements, rewriting next_uri according to the configured
// proxy mode.
package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/trinolb/trino-lb/internal/clustergroup"
	"github.com/trinolb/trino-lb/internal/clusterregistry"
	"github.com/trinolb/trino-lb/internal/obs"
	"github.com/trinolb/trino-lb/internal/persistence"
	"github.com/trinolb/trino-lb/internal/routing"
	"github.com/trinolb/trino-lb/internal/sanitization"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

// Proxy modes, mirrored from internal/config to avoid an import cycle.
const (
	ProxyAllCalls  = "proxyAllCalls"
	ProxyFirstCall = "proxyFirstCall"
)

// Engine wires the routing pipeline, cluster-group manager, and
// persistence port into the statement-protocol HTTP surface.
type Engine struct {
	registry  *clusterregistry.Registry
	pipeline  *routing.Pipeline
	manager   *clustergroup.Manager
	store     persistence.Store
	extAddr   string
	proxyMode string
	log       *zap.Logger

	now func() time.Time
}

// New builds an Engine. externalAddress is this load balancer's own
// base URL, used to rewrite next_uri in proxy-all mode and to build
// next_uri/info_uri for queued-in-LB responses. A backend's info_uri is
// passed through unchanged.
func New(registry *clusterregistry.Registry, pipeline *routing.Pipeline, manager *clustergroup.Manager, store persistence.Store, externalAddress, proxyMode string, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		registry:  registry,
		pipeline:  pipeline,
		manager:   manager,
		store:     store,
		extAddr:   externalAddress,
		proxyMode: proxyMode,
		log:       log,
		now:       time.Now,
	}
}

// Router builds the gorilla/mux router for the statement-protocol
// surface.
func (e *Engine) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/statement", e.handlePostStatement).Methods(http.MethodPost)
	r.HandleFunc("/v1/statement/queued_in_trino_lb/{id}/{seq}", e.handleQueuedInLB).Methods(http.MethodGet)
	r.HandleFunc("/v1/statement/queued_in_trino_lb/{id}/{seq}", e.handleDeleteQueuedInLB).Methods(http.MethodDelete)
	r.HandleFunc("/v1/statement/queued/{id}/{slug}/{token}", e.handleDispatchedPoll).Methods(http.MethodGet)
	r.HandleFunc("/v1/statement/executing/{id}/{slug}/{token}", e.handleDispatchedPoll).Methods(http.MethodGet)
	r.HandleFunc("/v1/statement/queued/{id}/{slug}/{token}", e.handleDeleteDispatched).Methods(http.MethodDelete)
	r.HandleFunc("/v1/statement/executing/{id}/{slug}/{token}", e.handleDeleteDispatched).Methods(http.MethodDelete)
	r.HandleFunc("/v1/trino-event-listener", e.handleBackendEvent).Methods(http.MethodPost)
	return r
}

func (e *Engine) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (e *Engine) handlePostStatement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		e.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	obs.StatementsSubmitted.Inc()
	e.log.Debug("incoming statement", obs.Any("headers", sanitization.Headers(r.Header)))

	decision, err := e.pipeline.Route(ctx, routing.Request{SQL: string(body), Headers: r.Header})
	if err != nil {
		e.log.Error("routing pipeline failed", obs.Err(err))
		e.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	id, err := trinoapi.NewID(e.now())
	if err != nil {
		e.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	now := e.now()
	qs := trinoapi.QueuedStatement{
		ID:           id,
		SQL:          string(body),
		Headers:      r.Header.Clone(),
		ClusterGroup: decision.Group,
		CreationTime: now,
		LastAccessed: now,
	}

	env, unauthorized, err := e.dispatchOrQueue(ctx, qs, false, 0)
	e.respond(w, env, unauthorized, err)
}

func (e *Engine) handleQueuedInLB(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	seq, err := parseSeq(vars["seq"])
	if err != nil {
		e.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid sequence"})
		return
	}
	qs, err := e.store.GetQueued(ctx, vars["id"])
	if errors.Is(err, persistence.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		e.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	env, unauthorized, err := e.dispatchOrQueue(ctx, qs, true, seq)
	e.respond(w, env, unauthorized, err)
}

// handleDeleteQueuedInLB cancels a statement still held in the LB's own
// queue. No authorization check: the fabricated id's random suffix is the
// unguessable token. A second DELETE of the same id is a 404.
func (e *Engine) handleDeleteQueuedInLB(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	if _, err := e.store.GetQueued(ctx, vars["id"]); errors.Is(err, persistence.ErrNotFound) {
		http.NotFound(w, r)
		return
	} else if err != nil {
		e.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if err := e.store.RemoveQueued(ctx, vars["id"]); err != nil {
		e.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleDispatchedPoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	ds, err := e.store.GetDispatched(ctx, vars["id"])
	if errors.Is(err, persistence.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		e.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	pollCtx, span := obs.StartPollSpan(ctx, ds.ID)
	env, headers, err := e.manager.Poll(pollCtx, ds.ClusterEndpoint+r.URL.Path, r.Header)
	if err != nil {
		obs.RecordError(pollCtx, err)
		span.End()
		e.log.Error("poll failed", obs.String("cluster", ds.ClusterName), obs.Err(err))
		e.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	obs.SetSpanSuccess(pollCtx)
	span.End()

	if env.NextURI != "" {
		rewritten, err := e.rewriteNextURIForPoll(ds, env.NextURI)
		if err != nil {
			e.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		env.NextURI = rewritten
	} else {
		// Statement ended naturally.
		if e.proxyMode == ProxyAllCalls {
			_ = e.store.RemoveDispatched(ctx, ds.ID)
			if err := e.store.DecrClusterCounter(ctx, ds.ClusterName); err != nil {
				e.log.Warn("failed to decrement counter on natural completion", obs.Err(err))
			}
		}
		// In proxy-first mode the push event is authoritative; do nothing.
	}

	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	e.writeJSON(w, http.StatusOK, env)
}

// rewriteNextURIForPoll applies the same proxy-mode rewrite rule used at
// dispatch time to a subsequent poll's next_uri.
func (e *Engine) rewriteNextURIForPoll(ds trinoapi.DispatchedStatement, nextURI string) (string, error) {
	if e.proxyMode == ProxyAllCalls {
		return clustergroupRewrite(nextURI, e.extAddr)
	}
	return clustergroupRewrite(nextURI, ds.ClusterEndpoint)
}

func (e *Engine) handleDeleteDispatched(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	ds, err := e.store.GetDispatched(ctx, vars["id"])
	if errors.Is(err, persistence.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		e.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	cluster, ok := e.clusterByName(ds.ClusterName)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := e.manager.Cancel(ctx, cluster, r.Header, r.URL.Path); err != nil {
		e.log.Warn("cancel failed", obs.String("cluster", ds.ClusterName), obs.Err(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handleBackendEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if e.proxyMode == ProxyAllCalls {
		e.log.Warn("received backend push event in proxyAllCalls mode; ignoring")
		w.WriteHeader(http.StatusOK)
		return
	}

	var evt trinoapi.BackendPushEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		e.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid push event"})
		return
	}

	clusterName, ok := e.registry.ClusterByHost(evt.Context.ServerAddress)
	if !ok {
		e.log.Warn("push event for unknown host", obs.String("server_address", evt.Context.ServerAddress))
		w.WriteHeader(http.StatusOK)
		return
	}

	switch evt.Metadata.QueryState {
	case trinoapi.QueryStateFinished:
		if err := e.store.DecrClusterCounter(ctx, clusterName); err != nil {
			e.log.Error("failed to decrement counter on push event", obs.String("cluster", clusterName), obs.Err(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if err := e.store.RemoveDispatched(ctx, evt.Metadata.QueryID); err != nil {
			e.log.Warn("failed to remove dispatched statement on push event", obs.String("query_id", evt.Metadata.QueryID), obs.Err(err))
		}
	case trinoapi.QueryStateQueued, trinoapi.QueryStateExecuting:
		// No action; only a Finished event decrements.
	}
	w.WriteHeader(http.StatusOK)
}

func (e *Engine) clusterByName(name string) (clusterregistry.Cluster, bool) {
	for _, g := range e.registry.Groups() {
		for _, c := range e.registry.ClustersOf(g) {
			if c.Name == name {
				return c, true
			}
		}
	}
	return clusterregistry.Cluster{}, false
}

func (e *Engine) respond(w http.ResponseWriter, env trinoapi.Envelope, unauthorized *clustergroup.DispatchOutcome, err error) {
	if err != nil {
		e.log.Error("dispatch_or_queue failed", obs.Err(err))
		e.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if unauthorized != nil {
		for _, v := range unauthorized.WWWAuthenticate {
			w.Header().Add("WWW-Authenticate", v)
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write(unauthorized.Body)
		return
	}
	e.writeJSON(w, http.StatusOK, env)
}

func parseSeq(s string) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(s, "%d", &seq)
	return seq, err
}

// clustergroupRewrite is a thin indirection so this file doesn't need a
// second import alias; it just calls clustergroup.RewriteNextURI.
func clustergroupRewrite(rawURI, base string) (string, error) {
	return clustergroup.RewriteNextURI(rawURI, base)
}

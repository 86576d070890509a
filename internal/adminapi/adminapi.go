// Copyright 2025 James Ross
// Package adminapi implements the operator-facing admin HTTP surface:
// per-cluster activate/deactivate/status, an aggregate status endpoint, and
// the minimal status UI pages, all gated behind HTTP basic auth.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/trinolb/trino-lb/internal/adminapi/audit"
	"github.com/trinolb/trino-lb/internal/clusterregistry"
	"github.com/trinolb/trino-lb/internal/obs"
	"github.com/trinolb/trino-lb/internal/persistence"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

// Credentials is the single basic-auth username/password pair admin
// requests must present. A zero-value Credentials disables auth entirely
// (every request is allowed), matching deployments that front this surface
// with their own edge authentication.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) configured() bool {
	return c.Username != "" || c.Password != ""
}

// API serves the admin HTTP surface.
type API struct {
	registry *clusterregistry.Registry
	store    persistence.Store
	creds    Credentials
	audit    *audit.Logger
	log      *zap.Logger
}

// New builds an API. auditLogger may be nil, in which case activate/
// deactivate calls are simply not audited.
func New(registry *clusterregistry.Registry, store persistence.Store, creds Credentials, auditLogger *audit.Logger, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	if auditLogger == nil {
		auditLogger = audit.NewLogger("", 0, 0, false)
	}
	return &API{registry: registry, store: store, creds: creds, audit: auditLogger, log: log}
}

// Router builds the gorilla/mux router for the admin and UI surfaces.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(a.basicAuth)
	r.HandleFunc("/admin/clusters/status", a.handleAllStatus).Methods(http.MethodGet)
	r.HandleFunc("/admin/clusters/{name}/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/admin/clusters/{name}/activate", a.handleActivate).Methods(http.MethodPost)
	r.HandleFunc("/admin/clusters/{name}/deactivate", a.handleDeactivate).Methods(http.MethodPost)
	r.HandleFunc("/ui/index.html", a.handleIndexUI).Methods(http.MethodGet)
	r.HandleFunc("/ui/query.html", a.handleQueryUI).Methods(http.MethodGet)
	return r
}

func (a *API) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.creds.configured() {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != a.creds.Username || pass != a.creds.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="trino-lb admin"`)
			a.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is the one sanctioned way to send a plain-text error body;
// it exists so request-id-aware middleware has a single seam to hook
// instead of scattered http.Error calls.
func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func (a *API) clusterExists(name string) bool {
	for _, g := range a.registry.Groups() {
		for _, c := range a.registry.ClustersOf(g) {
			if c.Name == name {
				return true
			}
		}
	}
	return false
}

type clusterStatus struct {
	Cluster string                `json:"cluster"`
	State   trinoapi.ClusterState `json:"state"`
	Counter int64                 `json:"running_queries"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !a.clusterExists(name) {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	state, err := a.store.GetClusterState(ctx, name)
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	counter, err := a.store.GetClusterCounter(ctx, name)
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	a.writeJSON(w, http.StatusOK, clusterStatus{Cluster: name, State: state, Counter: counter})
}

func (a *API) handleAllStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var out []clusterStatus
	for _, g := range a.registry.Groups() {
		for _, c := range a.registry.ClustersOf(g) {
			state, err := a.store.GetClusterState(ctx, c.Name)
			if err != nil {
				a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
				return
			}
			counter, err := a.store.GetClusterCounter(ctx, c.Name)
			if err != nil {
				a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
				return
			}
			out = append(out, clusterStatus{Cluster: c.Name, State: state, Counter: counter})
		}
	}
	a.writeJSON(w, http.StatusOK, out)
}

// handleActivate clears a cluster's stored state back to Unknown so the
// autoscaler reconciler re-derives truth from the orchestrator on its next
// tick, per spec.md §6.
func (a *API) handleActivate(w http.ResponseWriter, r *http.Request) {
	a.setState(w, r, trinoapi.Unknown(), "activate")
}

// handleDeactivate pins a cluster to Deactivated, which the autoscaler
// treats as sticky and operator-owned until the next activate call.
func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	a.setState(w, r, trinoapi.ClusterState{Kind: trinoapi.StateDeactivated}, "deactivate")
}

func (a *API) setState(w http.ResponseWriter, r *http.Request, state trinoapi.ClusterState, action string) {
	name := mux.Vars(r)["name"]
	if !a.clusterExists(name) {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	err := a.store.SetClusterState(ctx, name, state)

	result := "ok"
	reason := ""
	if err != nil {
		result = "error"
		reason = err.Error()
	}
	user, _, _ := r.BasicAuth()
	if auditErr := a.audit.Log(audit.Entry{
		Subject:   user,
		Action:    action,
		Cluster:   name,
		Result:    result,
		Reason:    reason,
		RemoteIP:  r.RemoteAddr,
		RequestID: requestIDFrom(ctx),
	}); auditErr != nil {
		a.log.Warn("admin audit log write failed", obs.Err(auditErr))
	}

	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

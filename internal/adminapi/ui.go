// Copyright 2025 James Ross
package adminapi

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/trinolb/trino-lb/internal/persistence"
)

// These two pages are a thin convenience surface, not a core component;
// the teacher has no template-rendering precedent to follow here, so they
// use the standard library's html/template directly.

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><title>trino-lb</title></head><body>
<h1>trino-lb cluster groups</h1>
<table border="1" cellpadding="4">
<tr><th>Group</th><th>Cluster</th><th>State</th><th>Running</th></tr>
{{range .}}<tr><td>{{.Group}}</td><td>{{.Cluster}}</td><td>{{.State.Kind}}</td><td>{{.Counter}}</td></tr>
{{end}}
</table>
</body></html>`))

var queryTemplate = template.Must(template.New("query").Parse(`<!DOCTYPE html>
<html><head><title>trino-lb query {{.ID}}</title></head><body>
<h1>Query {{.ID}}</h1>
{{if .Found}}
<p>Cluster group: {{.ClusterGroup}}</p>
<p>Cluster: {{.ClusterName}}</p>
{{else}}
<p>Unknown or expired statement id.</p>
{{end}}
</body></html>`))

func (a *API) handleIndexUI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	type row struct {
		Group   string
		Cluster string
		State   struct{ Kind string }
		Counter int64
	}
	var rows []row
	for _, g := range a.registry.Groups() {
		for _, c := range a.registry.ClustersOf(g) {
			state, err := a.store.GetClusterState(ctx, c.Name)
			if err != nil {
				a.writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			counter, err := a.store.GetClusterCounter(ctx, c.Name)
			if err != nil {
				a.writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			var rr row
			rr.Group, rr.Cluster, rr.Counter = g, c.Name, counter
			rr.State.Kind = string(state.Kind)
			rows = append(rows, rr)
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTemplate.Execute(w, rows)
}

// handleQueryUI renders /ui/query.html?{id}: the raw query string IS the
// statement id, matching the info_uri shape the lifecycle engine emits.
func (a *API) handleQueryUI(w http.ResponseWriter, r *http.Request) {
	id := r.URL.RawQuery
	if id == "" {
		a.writeError(w, http.StatusBadRequest, "missing statement id")
		return
	}
	ctx := r.Context()

	view := struct {
		ID           string
		Found        bool
		ClusterGroup string
		ClusterName  string
	}{ID: id}

	if ds, err := a.store.GetDispatched(ctx, id); err == nil {
		view.Found = true
		view.ClusterName = ds.ClusterName
	} else if qs, err := a.store.GetQueued(ctx, id); err == nil {
		view.Found = true
		view.ClusterGroup = qs.ClusterGroup
	} else if !errors.Is(err, persistence.ErrNotFound) {
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = queryTemplate.Execute(w, view)
}

// Copyright 2025 James Ross
package routing

import "context"

// DefaultHeaderName matches config.DefaultHeaderName; duplicated here as
// a literal to avoid an import cycle back into internal/config.
const DefaultHeaderName = "X-Trino-Routing-Group"

// HeaderRouter routes by the value of a single request header, accepting
// the decision only when that value names a known cluster group.
type HeaderRouter struct {
	headerName string
	groups     map[string]bool
}

// NewHeaderRouter builds a HeaderRouter. headerName defaults to
// DefaultHeaderName when empty.
func NewHeaderRouter(headerName string, groups map[string]bool) *HeaderRouter {
	if headerName == "" {
		headerName = DefaultHeaderName
	}
	return &HeaderRouter{headerName: headerName, groups: groups}
}

func (r *HeaderRouter) Name() string { return "header[" + r.headerName + "]" }

func (r *HeaderRouter) Route(_ context.Context, req Request) (string, bool, error) {
	v := req.Headers.Get(r.headerName)
	if v == "" {
		return "", false, nil
	}
	if !r.groups[v] {
		return "", false, nil
	}
	return v, true, nil
}

// Copyright 2025 James Ross
package routing

import (
	"context"
	"net/http"
	"strings"
)

// ClientTagsHeader is the Trino client-tags request header name.
const ClientTagsHeader = "X-Trino-Client-Tags"

// ClientTagsRouter matches a request's comma-separated client-tags header
// against a configured tag set, either requiring a non-empty intersection
// (OneOf) or that the request's tags are a superset of the configured set
// (AllOf). Exactly one of OneOf/AllOf is expected to be set by the config
// layer; if both are empty the router always abstains.
type ClientTagsRouter struct {
	oneOf []string
	allOf []string
	group string
}

// NewClientTagsRouter builds a ClientTagsRouter targeting group.
func NewClientTagsRouter(oneOf, allOf []string, group string) *ClientTagsRouter {
	return &ClientTagsRouter{oneOf: oneOf, allOf: allOf, group: group}
}

func (r *ClientTagsRouter) Name() string { return "clientTags" }

// TargetGroups reports the single fixed group this router can resolve to,
// so Pipeline construction can validate it against the cluster registry.
func (r *ClientTagsRouter) TargetGroups() []string { return []string{r.group} }

func parseClientTags(h http.Header) map[string]bool {
	raw := h.Get(ClientTagsHeader)
	if raw == "" {
		return nil
	}
	tags := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags[t] = true
		}
	}
	return tags
}

func (r *ClientTagsRouter) Route(_ context.Context, req Request) (string, bool, error) {
	clientTags := parseClientTags(req.Headers)
	if len(r.oneOf) > 0 {
		for _, t := range r.oneOf {
			if clientTags[t] {
				return r.group, true, nil
			}
		}
		return "", false, nil
	}
	if len(r.allOf) > 0 {
		for _, t := range r.allOf {
			if !clientTags[t] {
				return "", false, nil
			}
		}
		return r.group, true, nil
	}
	return "", false, nil
}

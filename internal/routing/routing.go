// Copyright 2025 James Ross
// Package routing selects a target cluster group for an incoming
// statement by running an ordered chain of Router implementations,
// falling back to a configured default group when none of them decide.
package routing

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/trinolb/trino-lb/internal/obs"
)

// Router inspects an incoming statement submission and optionally picks a
// cluster group for it. A false second return means "no opinion" — the
// pipeline moves on to the next router.
type Router interface {
	Name() string
	Route(ctx context.Context, req Request) (group string, decided bool, err error)
}

// Request is the subset of an incoming statement submission routers need.
type Request struct {
	SQL     string
	Headers http.Header
}

// Pipeline runs Routers in order and falls back to Fallback when none
// decide. It is validated at construction time against a set of known
// group names so a misconfigured router/fallback fails closed at
// startup rather than at request time.
type Pipeline struct {
	routers  []Router
	fallback string
	log      *zap.Logger
}

// New validates that every router target and the fallback group are
// members of knownGroups, then builds a Pipeline. Individual routers may
// still resolve arbitrary groups at runtime (e.g. header/script routers);
// this only validates the fallback and any router that exposes a fixed
// target set via TargetGroups().
func New(routers []Router, fallback string, knownGroups map[string]bool, log *zap.Logger) (*Pipeline, error) {
	if fallback == "" {
		return nil, fmt.Errorf("routing: fallback group is required")
	}
	if !knownGroups[fallback] {
		return nil, fmt.Errorf("routing: fallback group %q is not a configured cluster group", fallback)
	}
	for _, r := range routers {
		if tg, ok := r.(interface{ TargetGroups() []string }); ok {
			for _, g := range tg.TargetGroups() {
				if !knownGroups[g] {
					return nil, fmt.Errorf("routing: router %q targets unknown cluster group %q", r.Name(), g)
				}
			}
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{routers: routers, fallback: fallback, log: log}, nil
}

// Decision describes which router (or the fallback) picked a group.
type Decision struct {
	Group  string
	Router string // "" when the fallback was used
}

// Route runs the chain in order, returning the first decision. A router
// failure never fails the request: it is logged and downgraded to "no
// opinion" so the next router (or the fallback) is consulted. If no
// router decides, the fallback group is returned with Router == "".
func (p *Pipeline) Route(ctx context.Context, req Request) (Decision, error) {
	for _, r := range p.routers {
		group, decided, err := r.Route(ctx, req)
		if err != nil {
			p.log.Warn("router failed, treating as no opinion", zap.String("router", r.Name()), zap.Error(err))
			obs.RouterDecisions.WithLabelValues(r.Name(), "no_opinion").Inc()
			continue
		}
		if decided {
			obs.RouterDecisions.WithLabelValues(r.Name(), "hit").Inc()
			return Decision{Group: group, Router: r.Name()}, nil
		}
		obs.RouterDecisions.WithLabelValues(r.Name(), "no_opinion").Inc()
	}
	obs.RouterDecisions.WithLabelValues("fallback", "fallback").Inc()
	return Decision{Group: p.fallback}, nil
}

// Copyright 2025 James Ross
// Package autoscaler implements the C7 per-group reconcile loop: deriving
// each cluster's live state from the orchestrator, deciding upscale/
// downscale moves and the min-cluster schedule, then applying the result
// through the orchestrator port.
package autoscaler

import "context"

// Orchestrator is the two-way contract the autoscaler needs from whatever
// actually starts and stops a backend cluster. spec.md §1 keeps the
// concrete implementation out of core scope; this interface is the fixed
// boundary. internal/autoscaler/stackable is the one concrete adapter
// shipped with this module.
type Orchestrator interface {
	// Activate requests that cluster be started. Idempotent.
	Activate(ctx context.Context, cluster string) error
	// Deactivate requests that cluster be stopped. Idempotent.
	Deactivate(ctx context.Context, cluster string) error
	// IsActivated reports whether the orchestrator currently considers
	// cluster activated (started or starting), independent of readiness.
	IsActivated(ctx context.Context, cluster string) (bool, error)
	// IsReady reports whether cluster is currently able to serve queries.
	IsReady(ctx context.Context, cluster string) (bool, error)
}

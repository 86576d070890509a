// Copyright 2025 James Ross
// Package persistence defines the durable-state port every lifecycle,
// cluster-group, maintenance, and autoscaler component depends on, and the
// three interchangeable adapters that implement it.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/trinolb/trino-lb/internal/trinoapi"
)

// ErrNotFound is returned by Get* operations when the requested id/name has
// no value on record.
var ErrNotFound = errors.New("persistence: not found")

// Store is the persistence port. Every operation may fail with a
// transport-level error (network, serialization, or underlying-store
// failure); such failures are surfaced by callers as Internal (500).
//
// The contract is identical across all three adapters (in-memory, Redis,
// Postgres): see internal/persistence/inmemory, redispersist, pgpersist.
type Store interface {
	PutQueued(ctx context.Context, qs trinoapi.QueuedStatement) error
	GetQueued(ctx context.Context, id string) (trinoapi.QueuedStatement, error)
	RemoveQueued(ctx context.Context, id string) error

	PutDispatched(ctx context.Context, ds trinoapi.DispatchedStatement) error
	GetDispatched(ctx context.Context, id string) (trinoapi.DispatchedStatement, error)
	RemoveDispatched(ctx context.Context, id string) error

	// IncrClusterCounter atomically tests-and-increments: if the current
	// value is < cap, sets it to current+1 and returns true; otherwise
	// returns false with no side effect. Must be safe under concurrent
	// callers across multiple load-balancer replicas.
	IncrClusterCounter(ctx context.Context, cluster string, cap int64) (bool, error)
	// DecrClusterCounter decrements, clamping at zero.
	DecrClusterCounter(ctx context.Context, cluster string) error
	SetClusterCounter(ctx context.Context, cluster string, n int64) error
	GetClusterCounter(ctx context.Context, cluster string) (int64, error)

	// CountQueued returns the number of QueuedStatements whose ClusterGroup
	// equals group.
	CountQueued(ctx context.Context, group string) (int64, error)
	// ReapQueuedBefore atomically deletes all QueuedStatements with
	// LastAccessed < t and returns how many were removed.
	ReapQueuedBefore(ctx context.Context, t time.Time) (int64, error)

	GetLastRefresh(ctx context.Context) (time.Time, error)
	SetLastRefresh(ctx context.Context, t time.Time) error

	GetClusterState(ctx context.Context, cluster string) (trinoapi.ClusterState, error)
	SetClusterState(ctx context.Context, cluster string, s trinoapi.ClusterState) error

	// Close releases any underlying connections/pools.
	Close() error
}

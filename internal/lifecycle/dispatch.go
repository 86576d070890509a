// Copyright 2025 James Ross
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/trinolb/trino-lb/internal/clustergroup"
	"github.com/trinolb/trino-lb/internal/clusterregistry"
	"github.com/trinolb/trino-lb/internal/obs"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

// dispatchOrQueue implements spec.md's dispatch_or_queue(qs, already_persisted, seq).
// It returns either an envelope to send to the client, or a non-nil
// unauthorized outcome that must be forwarded verbatim.
func (e *Engine) dispatchOrQueue(ctx context.Context, qs trinoapi.QueuedStatement, alreadyPersisted bool, seq uint64) (trinoapi.Envelope, *clustergroup.DispatchOutcome, error) {
	start := e.now()

	cluster, ok, err := e.manager.BestCluster(ctx, qs.ClusterGroup)
	if err != nil {
		return trinoapi.Envelope{}, nil, fmt.Errorf("best_cluster(%s): %w", qs.ClusterGroup, err)
	}
	if ok {
		admitted, err := e.store.IncrClusterCounter(ctx, cluster.Name, cluster.MaxConcurrent)
		if err != nil {
			return trinoapi.Envelope{}, nil, fmt.Errorf("incr_cluster_counter(%s): %w", cluster.Name, err)
		}
		if admitted {
			return e.dispatchToCluster(ctx, cluster, qs, alreadyPersisted, start)
		}
		// Lost the race to another replica; fall through to the queue path.
	}

	env := e.queuedInLBEnvelope(qs, seq)
	if err := e.persistQueued(ctx, qs, alreadyPersisted); err != nil {
		return trinoapi.Envelope{}, nil, err
	}
	obs.StatementsQueued.Inc()

	if seq > 1 {
		elapsed := e.now().Sub(start)
		wait := trinoapi.Delay(seq) - elapsed
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return trinoapi.Envelope{}, nil, ctx.Err()
			}
		}
	}
	return env, nil, nil
}

func (e *Engine) dispatchToCluster(ctx context.Context, cluster clusterregistry.Cluster, qs trinoapi.QueuedStatement, alreadyPersisted bool, start time.Time) (trinoapi.Envelope, *clustergroup.DispatchOutcome, error) {
	ctx, span := obs.StartDispatchSpan(ctx, qs.ID, cluster.Name)
	defer span.End()

	out, err := e.manager.Dispatch(ctx, cluster, qs.SQL, qs.Headers)
	if err != nil {
		_ = e.store.DecrClusterCounter(ctx, cluster.Name)
		obs.RecordError(ctx, err)
		return trinoapi.Envelope{}, nil, fmt.Errorf("dispatch to %s: %w", cluster.Name, err)
	}
	obs.SetSpanSuccess(ctx)

	if out.Unauthorized {
		if err := e.store.DecrClusterCounter(ctx, cluster.Name); err != nil {
			e.log.Warn("failed to decrement counter after 401", obs.Err(err))
		}
		if alreadyPersisted {
			_ = e.store.RemoveQueued(ctx, qs.ID)
		}
		return trinoapi.Envelope{}, &out, nil
	}

	env := out.Envelope
	if env.NextURI == "" {
		// Backend accepted but terminated immediately (syntax error etc).
		if e.proxyMode == ProxyAllCalls {
			if err := e.store.DecrClusterCounter(ctx, cluster.Name); err != nil {
				e.log.Warn("failed to decrement counter after immediate termination", obs.Err(err))
			}
		}
		// In proxy-first mode the counter stays incremented; the backend
		// will push a Finished event to decrement it.
	} else {
		switch e.proxyMode {
		case ProxyAllCalls:
			ds := trinoapi.DispatchedStatement{
				ID:              env.ID,
				ClusterName:     cluster.Name,
				ClusterEndpoint: cluster.Endpoint,
				CreationTime:    qs.CreationTime,
				DeliveredTime:   e.now(),
			}
			if err := e.store.PutDispatched(ctx, ds); err != nil {
				return trinoapi.Envelope{}, nil, fmt.Errorf("persist dispatched statement: %w", err)
			}
			rewritten, err := clustergroupRewrite(env.NextURI, e.extAddr)
			if err != nil {
				return trinoapi.Envelope{}, nil, fmt.Errorf("rewrite next_uri: %w", err)
			}
			env.NextURI = rewritten
		case ProxyFirstCall:
			ds := trinoapi.DispatchedStatement{
				ID:              env.ID,
				ClusterName:     cluster.Name,
				ClusterEndpoint: cluster.Endpoint,
				CreationTime:    qs.CreationTime,
				DeliveredTime:   e.now(),
			}
			if err := e.store.PutDispatched(ctx, ds); err != nil {
				return trinoapi.Envelope{}, nil, fmt.Errorf("persist dispatched statement: %w", err)
			}
			rewritten, err := clustergroupRewrite(env.NextURI, cluster.Endpoint)
			if err != nil {
				return trinoapi.Envelope{}, nil, fmt.Errorf("rewrite next_uri: %w", err)
			}
			env.NextURI = rewritten
		}
	}

	if alreadyPersisted {
		_ = e.store.RemoveQueued(ctx, qs.ID)
	}

	obs.StatementsDispatched.WithLabelValues(cluster.Name).Inc()
	obs.QueuedDuration.Observe(start.Sub(qs.CreationTime).Seconds())

	return env, nil, nil
}

// persistQueued writes the QueuedStatement the first time it is seen, or
// refreshes last_accessed once ACCESS_REFRESH has elapsed since the last
// write — a deliberate compromise between write load and reap precision.
func (e *Engine) persistQueued(ctx context.Context, qs trinoapi.QueuedStatement, alreadyPersisted bool) error {
	if !alreadyPersisted {
		return e.store.PutQueued(ctx, qs)
	}
	if e.now().Sub(qs.LastAccessed) >= trinoapi.AccessRefresh {
		qs.LastAccessed = e.now()
		return e.store.PutQueued(ctx, qs)
	}
	return nil
}

func (e *Engine) queuedInLBEnvelope(qs trinoapi.QueuedStatement, seq uint64) trinoapi.Envelope {
	now := e.now()
	elapsed := now.Sub(qs.CreationTime).Milliseconds()
	return trinoapi.Envelope{
		ID:       qs.ID,
		InfoURI:  fmt.Sprintf("%s/ui/query.html?%s", e.extAddr, qs.ID),
		NextURI:  fmt.Sprintf("%s/v1/statement/queued_in_trino_lb/%s/%d", e.extAddr, qs.ID, seq+1),
		Warnings: []any{},
		Stats: trinoapi.Stats{
			State:             trinoapi.StateQueuedInLB,
			Queued:            true,
			ElapsedTimeMillis: elapsed,
			QueuedTimeMillis:  elapsed,
		},
	}
}

// Copyright 2025 James Ross
package autoscaler

import (
	"time"

	"github.com/trinolb/trino-lb/internal/clusterregistry"
	"github.com/trinolb/trino-lb/internal/config"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

// clusterPlan carries one cluster through a single reconcile tick: its
// static config, its live counter, and the state the tick computes for it.
type clusterPlan struct {
	cluster clusterregistry.Cluster
	state   trinoapi.ClusterState
	counter int64
}

// deriveState implements spec.md §4.7 step 1: the per-cluster state
// machine driven by the stored state plus live orchestrator signals.
func deriveState(stored trinoapi.ClusterState, activated, ready bool, counter int64, now time.Time, drainIdleDeadline time.Duration) trinoapi.ClusterState {
	switch stored.Kind {
	case trinoapi.StateUnknown:
		switch {
		case activated && ready:
			return trinoapi.ClusterState{Kind: trinoapi.StateReady}
		case activated && !ready:
			return trinoapi.ClusterState{Kind: trinoapi.StateStarting}
		case !activated && ready:
			return trinoapi.ClusterState{Kind: trinoapi.StateTerminating}
		default:
			return trinoapi.ClusterState{Kind: trinoapi.StateStopped}
		}
	case trinoapi.StateStopped:
		return trinoapi.ClusterState{Kind: trinoapi.StateStopped}
	case trinoapi.StateStarting:
		if ready {
			return trinoapi.ClusterState{Kind: trinoapi.StateReady}
		}
		return trinoapi.ClusterState{Kind: trinoapi.StateStarting}
	case trinoapi.StateReady:
		if ready {
			return trinoapi.ClusterState{Kind: trinoapi.StateReady}
		}
		return trinoapi.ClusterState{Kind: trinoapi.StateUnhealthy}
	case trinoapi.StateUnhealthy:
		if ready {
			return trinoapi.ClusterState{Kind: trinoapi.StateReady}
		}
		return trinoapi.ClusterState{Kind: trinoapi.StateUnhealthy}
	case trinoapi.StateDraining:
		if !ready {
			if !activated {
				return trinoapi.ClusterState{Kind: trinoapi.StateStopped}
			}
			return trinoapi.ClusterState{Kind: trinoapi.StateTerminating}
		}
		if counter == 0 {
			if now.Sub(stored.Since) >= drainIdleDeadline {
				return trinoapi.ClusterState{Kind: trinoapi.StateTerminating}
			}
			// Before the deadline: keep Draining, preserve since untouched.
			return stored
		}
		// Non-zero counter observed while draining: re-enter the clock.
		return trinoapi.Draining(now)
	case trinoapi.StateTerminating:
		if !ready {
			return trinoapi.ClusterState{Kind: trinoapi.StateStopped}
		}
		return trinoapi.ClusterState{Kind: trinoapi.StateTerminating}
	case trinoapi.StateDeactivated:
		return trinoapi.ClusterState{Kind: trinoapi.StateDeactivated}
	default:
		return stored
	}
}

// applyScaleMoves implements spec.md §4.7 step 2: upscale when the queue
// is backed up, downscale when utilization is low and the queue is empty.
// Mutates plans in place.
func applyScaleMoves(plans []clusterPlan, queued int64, ac config.AutoscalingConfig, now time.Time) {
	anyStarting := false
	for _, p := range plans {
		if p.state.Kind == trinoapi.StateStarting {
			anyStarting = true
			break
		}
	}
	if queued >= int64(ac.UpscaleQueuedQueriesThreshold) && !anyStarting {
		for i := range plans {
			if plans[i].state.CanBeStarted() {
				plans[i].state = trinoapi.ClusterState{Kind: trinoapi.StateStarting}
				break
			}
		}
		return
	}
	if queued != 0 {
		return
	}

	anyDrainingOrTerminating := false
	var maxRunning, curRunning int64
	readyCount := 0
	for _, p := range plans {
		switch p.state.Kind {
		case trinoapi.StateDraining, trinoapi.StateTerminating:
			anyDrainingOrTerminating = true
		case trinoapi.StateReady:
			maxRunning += p.cluster.MaxConcurrent
			curRunning += p.counter
			readyCount++
		}
	}
	if anyDrainingOrTerminating {
		return
	}

	var utilization float64
	switch {
	case maxRunning == 0 && curRunning == 0:
		utilization = 0
	case maxRunning == 0:
		utilization = 100
	default:
		utilization = 100 * float64(curRunning) / float64(maxRunning)
	}
	if utilization > ac.DownscaleRunningQueriesPercentageThreshold {
		return
	}
	for i := len(plans) - 1; i >= 0; i-- {
		if plans[i].state.Kind != trinoapi.StateReady {
			continue
		}
		if readyCount == 1 && curRunning != 0 {
			break
		}
		plans[i].state = trinoapi.Draining(now)
		break
	}
}

// applyMinSchedule implements spec.md §4.7 step 3: raise the first `min`
// clusters (by configured order) to a startable target, leaving
// Deactivated/Unhealthy entries among them untouched.
func applyMinSchedule(plans []clusterPlan, min int) {
	for i := 0; i < min && i < len(plans); i++ {
		switch plans[i].state.Kind {
		case trinoapi.StateStopped, trinoapi.StateStarting, trinoapi.StateTerminating:
			plans[i].state = trinoapi.ClusterState{Kind: trinoapi.StateStarting}
		case trinoapi.StateReady, trinoapi.StateDraining:
			plans[i].state = trinoapi.ClusterState{Kind: trinoapi.StateReady}
		}
	}
}

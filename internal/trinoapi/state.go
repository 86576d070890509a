// Copyright 2025 James Ross
package trinoapi

import "time"

// ClusterState is the autoscaler's view of a single backend cluster.
type ClusterState struct {
	Kind  ClusterStateKind `json:"kind"`
	Since time.Time        `json:"since,omitempty"` // only meaningful for Draining
}

// ClusterStateKind enumerates the states a backend cluster can occupy.
type ClusterStateKind string

const (
	StateUnknown     ClusterStateKind = "Unknown"
	StateStopped     ClusterStateKind = "Stopped"
	StateStarting    ClusterStateKind = "Starting"
	StateReady       ClusterStateKind = "Ready"
	StateUnhealthy   ClusterStateKind = "Unhealthy"
	StateDraining    ClusterStateKind = "Draining"
	StateTerminating ClusterStateKind = "Terminating"
	StateDeactivated ClusterStateKind = "Deactivated"
)

// Unknown is the zero-value default state for a cluster never observed.
func Unknown() ClusterState { return ClusterState{Kind: StateUnknown} }

// Draining builds a Draining state carrying the observation timestamp.
func Draining(since time.Time) ClusterState {
	return ClusterState{Kind: StateDraining, Since: since}
}

// CanBeStarted reports whether the autoscaler may promote this cluster to
// Starting (it is either fully stopped or was on its way out).
func (s ClusterState) CanBeStarted() bool {
	return s.Kind == StateStopped || s.Kind == StateDraining
}

// AcceptsQueries reports whether the cluster-group manager may dispatch to a
// cluster in this state.
func (s ClusterState) AcceptsQueries() bool {
	return s.Kind == StateReady
}

// Delay implements the LB's polling back-off table: no delay for the first
// two sequence numbers (so a terminal shows "queued" immediately), then
// exponential growth saturating at 3 seconds.
func Delay(seq uint64) time.Duration {
	if seq < 2 {
		return 0
	}
	if seq >= 63-7 { // guard against overflow of seq+7 and of 1<<shift
		return 3000 * time.Millisecond
	}
	shift := seq + 7
	ms := uint64(1) << shift
	if ms > 3000 {
		return 3000 * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

const (
	// AccessRefresh is the minimum interval between persisted last_accessed
	// bumps for a queued statement still being polled.
	AccessRefresh = 2 * time.Minute
	// ClientTimeout is the abandoned-client window the reaper enforces;
	// chosen to match the upstream engine's own timeout.
	ClientTimeout = 5 * time.Minute
	// MinReadyDwell is how long a cluster must report ready before the
	// autoscaler treats it as usable, giving DNS/service discovery time to
	// propagate.
	MinReadyDwell = 5 * time.Second
)

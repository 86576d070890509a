// Copyright 2025 James Ross
package autoscaler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinolb/trino-lb/internal/clusterregistry"
	"github.com/trinolb/trino-lb/internal/config"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

func TestDeriveState_UnknownBootstraps(t *testing.T) {
	now := time.Now()
	require.Equal(t, trinoapi.StateReady, deriveState(trinoapi.Unknown(), true, true, 0, now, time.Minute).Kind)
	require.Equal(t, trinoapi.StateStarting, deriveState(trinoapi.Unknown(), true, false, 0, now, time.Minute).Kind)
	require.Equal(t, trinoapi.StateTerminating, deriveState(trinoapi.Unknown(), false, true, 0, now, time.Minute).Kind)
	require.Equal(t, trinoapi.StateStopped, deriveState(trinoapi.Unknown(), false, false, 0, now, time.Minute).Kind)
}

func TestDeriveState_StartingPromotesOnReady(t *testing.T) {
	now := time.Now()
	s := trinoapi.ClusterState{Kind: trinoapi.StateStarting}
	require.Equal(t, trinoapi.StateReady, deriveState(s, true, true, 0, now, time.Minute).Kind)
	require.Equal(t, trinoapi.StateStarting, deriveState(s, true, false, 0, now, time.Minute).Kind)
}

func TestDeriveState_ReadyDropsToUnhealthy(t *testing.T) {
	now := time.Now()
	s := trinoapi.ClusterState{Kind: trinoapi.StateReady}
	require.Equal(t, trinoapi.StateUnhealthy, deriveState(s, true, false, 0, now, time.Minute).Kind)
	require.Equal(t, trinoapi.StateReady, deriveState(s, true, true, 0, now, time.Minute).Kind)
}

func TestDeriveState_DrainingWaitsOutIdleDeadlineBeforeTerminating(t *testing.T) {
	now := time.Now()
	since := now.Add(-30 * time.Second)
	s := trinoapi.Draining(since)

	// Still within the idle deadline: stays Draining, since preserved.
	next := deriveState(s, true, true, 0, now, time.Minute)
	require.Equal(t, trinoapi.StateDraining, next.Kind)
	require.True(t, next.Since.Equal(since))

	// Past the idle deadline: flips to Terminating.
	next = deriveState(s, true, true, 0, now, 10*time.Second)
	require.Equal(t, trinoapi.StateTerminating, next.Kind)
}

func TestDeriveState_DrainingReboundsOnNonZeroCounter(t *testing.T) {
	now := time.Now()
	s := trinoapi.Draining(now.Add(-time.Hour))
	next := deriveState(s, true, true, 3, now, time.Minute)
	require.Equal(t, trinoapi.StateDraining, next.Kind)
	require.True(t, next.Since.Equal(now))
}

func TestDeriveState_DrainingWithoutReadyAndActivatedGoesTerminating(t *testing.T) {
	now := time.Now()
	s := trinoapi.Draining(now)
	require.Equal(t, trinoapi.StateTerminating, deriveState(s, true, false, 0, now, time.Minute).Kind)
	require.Equal(t, trinoapi.StateStopped, deriveState(s, false, false, 0, now, time.Minute).Kind)
}

func TestDeriveState_Deactivated_Sticky(t *testing.T) {
	now := time.Now()
	s := trinoapi.ClusterState{Kind: trinoapi.StateDeactivated}
	require.Equal(t, trinoapi.StateDeactivated, deriveState(s, true, true, 5, now, time.Minute).Kind)
}

func plansOf(kinds ...trinoapi.ClusterStateKind) []clusterPlan {
	out := make([]clusterPlan, len(kinds))
	for i, k := range kinds {
		out[i] = clusterPlan{
			cluster: clusterregistry.Cluster{Name: string(rune('a' + i)), MaxConcurrent: 10},
			state:   trinoapi.ClusterState{Kind: k},
		}
	}
	return out
}

func TestApplyScaleMoves_UpscaleStartsOneStoppedCluster(t *testing.T) {
	now := time.Now()
	plans := plansOf(trinoapi.StateStopped, trinoapi.StateStopped)
	ac := config.AutoscalingConfig{UpscaleQueuedQueriesThreshold: 5}
	applyScaleMoves(plans, 10, ac, now)
	require.Equal(t, trinoapi.StateStarting, plans[0].state.Kind)
	require.Equal(t, trinoapi.StateStopped, plans[1].state.Kind)
}

func TestApplyScaleMoves_NoUpscaleWhileAlreadyStarting(t *testing.T) {
	now := time.Now()
	plans := plansOf(trinoapi.StateStarting, trinoapi.StateStopped)
	ac := config.AutoscalingConfig{UpscaleQueuedQueriesThreshold: 5}
	applyScaleMoves(plans, 10, ac, now)
	require.Equal(t, trinoapi.StateStopped, plans[1].state.Kind)
}

func TestApplyScaleMoves_DownscaleWhenIdleAndUnderThreshold(t *testing.T) {
	now := time.Now()
	plans := plansOf(trinoapi.StateReady, trinoapi.StateReady)
	plans[0].counter = 0
	plans[1].counter = 0
	ac := config.AutoscalingConfig{UpscaleQueuedQueriesThreshold: 5, DownscaleRunningQueriesPercentageThreshold: 10}
	applyScaleMoves(plans, 0, ac, now)
	require.Equal(t, trinoapi.StateDraining, plans[1].state.Kind)
	require.Equal(t, trinoapi.StateReady, plans[0].state.Kind)
}

func TestApplyScaleMoves_NeverDrainsSoleBusyCluster(t *testing.T) {
	now := time.Now()
	plans := plansOf(trinoapi.StateReady)
	plans[0].counter = 1
	ac := config.AutoscalingConfig{DownscaleRunningQueriesPercentageThreshold: 100}
	applyScaleMoves(plans, 0, ac, now)
	require.Equal(t, trinoapi.StateReady, plans[0].state.Kind)
}

func TestApplyScaleMoves_DoesNotDownscaleWithDrainInFlight(t *testing.T) {
	now := time.Now()
	plans := plansOf(trinoapi.StateReady, trinoapi.StateDraining)
	ac := config.AutoscalingConfig{UpscaleQueuedQueriesThreshold: 5, DownscaleRunningQueriesPercentageThreshold: 100}
	applyScaleMoves(plans, 0, ac, now)
	require.Equal(t, trinoapi.StateReady, plans[0].state.Kind)
	require.Equal(t, trinoapi.StateDraining, plans[1].state.Kind)
}

func TestApplyMinSchedule_RaisesStoppedClusters(t *testing.T) {
	plans := plansOf(trinoapi.StateStopped, trinoapi.StateStopped, trinoapi.StateStopped)
	applyMinSchedule(plans, 2)
	require.Equal(t, trinoapi.StateStarting, plans[0].state.Kind)
	require.Equal(t, trinoapi.StateStarting, plans[1].state.Kind)
	require.Equal(t, trinoapi.StateStopped, plans[2].state.Kind)
}

func TestApplyMinSchedule_PromotesDrainingBackToReady(t *testing.T) {
	plans := plansOf(trinoapi.StateDraining)
	applyMinSchedule(plans, 1)
	require.Equal(t, trinoapi.StateReady, plans[0].state.Kind)
}

func TestApplyMinSchedule_ZeroMinIsNoop(t *testing.T) {
	plans := plansOf(trinoapi.StateStopped)
	applyMinSchedule(plans, 0)
	require.Equal(t, trinoapi.StateStopped, plans[0].state.Kind)
}

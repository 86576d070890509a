// Copyright 2025 James Ross
package autoscaler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/trinolb/trino-lb/internal/clusterregistry"
	"github.com/trinolb/trino-lb/internal/config"
	"github.com/trinolb/trino-lb/internal/obs"
	"github.com/trinolb/trino-lb/internal/persistence"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

// groupPolicy pairs a group name with its validated autoscaling config and
// pre-parsed min-cluster rules.
type groupPolicy struct {
	group string
	ac    config.AutoscalingConfig
	rules []Rule
}

// Autoscaler runs the C7 reconcile loop for every group that has an
// autoscaling policy configured.
type Autoscaler struct {
	registry  *clusterregistry.Registry
	db        persistence.Store
	orch      Orchestrator
	policies  []groupPolicy
	unmanaged []string
	interval  time.Duration
	log       *zap.Logger
	now       func() time.Time

	readySince map[string]time.Time
}

// New builds an Autoscaler from the cluster-groups config. Groups without
// an autoscaling policy are not scaled, but they are not abandoned
// either: every tick unconditionally marks their clusters Ready, the
// same fallback RunUnmanaged applies when no scaler is configured at
// all, scoped per group — otherwise their clusters would sit at Unknown
// forever and the admission path could never dispatch to them.
func New(registry *clusterregistry.Registry, db persistence.Store, orch Orchestrator, groups map[string]config.ClusterGroupConfig, interval time.Duration, log *zap.Logger) (*Autoscaler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	var policies []groupPolicy
	var unmanaged []string
	for group, gc := range groups {
		if gc.Autoscaling == nil {
			unmanaged = append(unmanaged, group)
			continue
		}
		rules, err := BuildRules(gc.Autoscaling.MinClusters)
		if err != nil {
			return nil, err
		}
		policies = append(policies, groupPolicy{group: group, ac: *gc.Autoscaling, rules: rules})
	}
	return &Autoscaler{
		registry:   registry,
		db:         db,
		orch:       orch,
		policies:   policies,
		unmanaged:  unmanaged,
		interval:   interval,
		log:        log,
		now:        time.Now,
		readySince: make(map[string]time.Time),
	}, nil
}

// Run ticks every interval until ctx is cancelled, reconciling every
// configured autoscaling policy each tick.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Autoscaler) tick(ctx context.Context) {
	for _, p := range a.policies {
		a.reconcileGroup(ctx, p)
	}
	for _, group := range a.unmanaged {
		a.markGroupReady(ctx, group)
	}
}

// markGroupReady pins every cluster of an autoscaling-less group to Ready
// so the admission path always sees it as schedulable.
func (a *Autoscaler) markGroupReady(ctx context.Context, group string) {
	for _, c := range a.registry.ClustersOf(group) {
		if err := a.db.SetClusterState(ctx, c.Name, trinoapi.ClusterState{Kind: trinoapi.StateReady}); err != nil {
			a.log.Warn("autoscaler: mark unmanaged group ready failed", obs.String("cluster", c.Name), obs.Err(err))
		}
	}
}

func (a *Autoscaler) reconcileGroup(ctx context.Context, p groupPolicy) {
	clusters := a.registry.ClustersOf(p.group)
	now := a.now()
	plans := make([]clusterPlan, 0, len(clusters))

	for _, c := range clusters {
		stored, err := a.db.GetClusterState(ctx, c.Name)
		if err != nil {
			a.log.Warn("autoscaler: read state failed", obs.String("cluster", c.Name), obs.Err(err))
			continue
		}
		activated, err := a.orch.IsActivated(ctx, c.Name)
		if err != nil {
			a.log.Warn("autoscaler: IsActivated failed", obs.String("cluster", c.Name), obs.Err(err))
			continue
		}
		rawReady, err := a.orch.IsReady(ctx, c.Name)
		if err != nil {
			a.log.Warn("autoscaler: IsReady failed", obs.String("cluster", c.Name), obs.Err(err))
			continue
		}
		ready := a.effectiveReady(c.Name, rawReady, now)

		counter, err := a.db.GetClusterCounter(ctx, c.Name)
		if err != nil {
			a.log.Warn("autoscaler: read counter failed", obs.String("cluster", c.Name), obs.Err(err))
			continue
		}

		newState := deriveState(stored, activated, ready, counter, now, p.ac.DrainIdleDurationBeforeShutdown)
		plans = append(plans, clusterPlan{cluster: c, state: newState, counter: counter})
	}

	queued, err := a.db.CountQueued(ctx, p.group)
	if err != nil {
		a.log.Warn("autoscaler: count_queued failed", obs.String("group", p.group), obs.Err(err))
		return
	}
	applyScaleMoves(plans, queued, p.ac, now)
	applyMinSchedule(plans, EffectiveMin(p.rules, now))

	for _, plan := range plans {
		a.apply(ctx, plan)
	}
}

// effectiveReady applies MinReadyDwell: a cluster only counts as ready
// once the orchestrator has reported it ready continuously for at least
// MinReadyDwell, giving DNS/service discovery time to propagate. This
// dwell clock is local, in-process bookkeeping, not persisted state; a
// restart simply resets the dwell window, which is conservative (it can
// only delay promotion, never skip the wait).
func (a *Autoscaler) effectiveReady(cluster string, rawReady bool, now time.Time) bool {
	if !rawReady {
		delete(a.readySince, cluster)
		return false
	}
	since, ok := a.readySince[cluster]
	if !ok {
		a.readySince[cluster] = now
		return false
	}
	return now.Sub(since) >= trinoapi.MinReadyDwell
}

func (a *Autoscaler) apply(ctx context.Context, plan clusterPlan) {
	var err error
	switch plan.state.Kind {
	case trinoapi.StateStarting, trinoapi.StateReady, trinoapi.StateDraining, trinoapi.StateUnhealthy:
		err = a.orch.Activate(ctx, plan.cluster.Name)
	case trinoapi.StateStopped, trinoapi.StateTerminating:
		err = a.orch.Deactivate(ctx, plan.cluster.Name)
	case trinoapi.StateDeactivated:
		// No-op: operator-driven, sticky.
	}
	if err != nil {
		a.log.Warn("autoscaler: apply target failed", obs.String("cluster", plan.cluster.Name), obs.Err(err))
		return
	}
	if err := a.db.SetClusterState(ctx, plan.cluster.Name, plan.state); err != nil {
		a.log.Warn("autoscaler: persist state failed", obs.String("cluster", plan.cluster.Name), obs.Err(err))
		return
	}
	obs.AutoscalerTransitions.WithLabelValues(plan.cluster.Name, string(plan.state.Kind)).Inc()
}

// RunUnmanaged is the fallback loop used when no autoscaler is configured
// at all: it unconditionally writes Ready for every cluster on a 5s
// ticker so the admission path always sees them as schedulable.
func RunUnmanaged(ctx context.Context, registry *clusterregistry.Registry, db persistence.Store, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, group := range registry.Groups() {
				for _, c := range registry.ClustersOf(group) {
					if err := db.SetClusterState(ctx, c.Name, trinoapi.ClusterState{Kind: trinoapi.StateReady}); err != nil {
						log.Warn("unmanaged autoscaler: set state failed", obs.String("cluster", c.Name), obs.Err(err))
					}
				}
			}
		}
	}
}

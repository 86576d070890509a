// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ClusterSnapshot is the minimal view of one cluster's state the metrics
// refresher needs; it is intentionally a tiny structural type so obs does not
// import the clusterregistry/persistence packages.
type ClusterSnapshot struct {
	Name    string
	State   string
	Counter int64
}

// AllClusterStates lists every state the ClusterState gauge exposes a label
// for, so a cluster's prior state is zeroed out when it transitions.
var AllClusterStates = []string{
	"Unknown", "Stopped", "Starting", "Ready", "Unhealthy", "Draining", "Terminating", "Deactivated",
}

// StartMetricsSnapshotLoop samples the supplied snapshot source on an
// interval and republishes it as the ClusterCounter/ClusterState gauges. The
// snapshot is rebuilt under the caller's own lock each tick; this loop only
// ever replaces the exported series, matching the "replaced atomically on
// refresh" process-wide mutable state described for the core.
func StartMetricsSnapshotLoop(ctx context.Context, interval time.Duration, snapshot func(context.Context) ([]ClusterSnapshot, error), log *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snaps, err := snapshot(ctx)
				if err != nil {
					log.Debug("metrics snapshot error", Err(err))
					continue
				}
				for _, s := range snaps {
					ClusterCounter.WithLabelValues(s.Name).Set(float64(s.Counter))
					for _, st := range AllClusterStates {
						v := 0.0
						if st == s.State {
							v = 1.0
						}
						ClusterState.WithLabelValues(s.Name, st).Set(v)
					}
				}
			}
		}
	}()
}

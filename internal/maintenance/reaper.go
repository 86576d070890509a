// Copyright 2025 James Ross
// Package maintenance implements the C6 maintenance loops: the
// leftover-queue reaper and the counter refresher. Both are ticker-driven
// long-lived tasks, mirroring the teacher's internal/reaper loop shape
// (context-cancelable ticker goroutine with a per-tick scan function).
package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/trinolb/trino-lb/internal/obs"
	"github.com/trinolb/trino-lb/internal/persistence"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

// reapTickInterval is aligned to AccessRefresh per spec.md §4.6.
const reapTickInterval = trinoapi.AccessRefresh

// Reaper evicts queued statements whose client has stopped polling,
// matching the upstream engine's own abandoned-client timeout so nothing
// lingers past the client's own patience.
type Reaper struct {
	db  persistence.Store
	log *zap.Logger
	now func() time.Time
}

// NewReaper builds a Reaper against store.
func NewReaper(db persistence.Store, log *zap.Logger) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{db: db, log: log, now: time.Now}
}

// Run ticks every reapTickInterval until ctx is cancelled, reaping queued
// statements whose last_accessed predates ClientTimeout.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(reapTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	cutoff := r.now().Add(-trinoapi.ClientTimeout)
	n, err := r.db.ReapQueuedBefore(ctx, cutoff)
	if err != nil {
		r.log.Warn("reap tick failed", obs.Err(err))
		return
	}
	if n > 0 {
		obs.StatementsReaped.Add(float64(n))
		r.log.Info("reaped abandoned queued statements", obs.Int("count", int(n)))
	}
}

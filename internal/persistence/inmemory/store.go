// Copyright 2025 James Ross
// Package inmemory implements the persistence.Store port with concurrent Go
// maps and a lock-free compare-and-swap counter, for single-replica
// deployments and tests.
package inmemory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/trinolb/trino-lb/internal/persistence"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

// Store is an in-process, non-durable implementation of persistence.Store.
type Store struct {
	log *zap.Logger

	queuedMu sync.RWMutex
	queued   map[string]trinoapi.QueuedStatement

	dispatchedMu sync.RWMutex
	dispatched   map[string]trinoapi.DispatchedStatement

	counters sync.Map // cluster name -> *atomic.Int64

	statesMu sync.RWMutex
	states   map[string]trinoapi.ClusterState

	refreshMu sync.Mutex
	refresh   time.Time
}

// New builds an empty in-memory store. log may be nil; a no-op logger is
// substituted.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:        log,
		queued:     make(map[string]trinoapi.QueuedStatement),
		dispatched: make(map[string]trinoapi.DispatchedStatement),
		states:     make(map[string]trinoapi.ClusterState),
	}
}

var _ persistence.Store = (*Store)(nil)

func (s *Store) PutQueued(_ context.Context, qs trinoapi.QueuedStatement) error {
	s.queuedMu.Lock()
	defer s.queuedMu.Unlock()
	s.queued[qs.ID] = qs
	return nil
}

func (s *Store) GetQueued(_ context.Context, id string) (trinoapi.QueuedStatement, error) {
	s.queuedMu.RLock()
	defer s.queuedMu.RUnlock()
	qs, ok := s.queued[id]
	if !ok {
		return trinoapi.QueuedStatement{}, persistence.ErrNotFound
	}
	return qs, nil
}

func (s *Store) RemoveQueued(_ context.Context, id string) error {
	s.queuedMu.Lock()
	defer s.queuedMu.Unlock()
	delete(s.queued, id)
	return nil
}

func (s *Store) PutDispatched(_ context.Context, ds trinoapi.DispatchedStatement) error {
	s.dispatchedMu.Lock()
	defer s.dispatchedMu.Unlock()
	s.dispatched[ds.ID] = ds
	return nil
}

func (s *Store) GetDispatched(_ context.Context, id string) (trinoapi.DispatchedStatement, error) {
	s.dispatchedMu.RLock()
	defer s.dispatchedMu.RUnlock()
	ds, ok := s.dispatched[id]
	if !ok {
		return trinoapi.DispatchedStatement{}, persistence.ErrNotFound
	}
	return ds, nil
}

func (s *Store) RemoveDispatched(_ context.Context, id string) error {
	s.dispatchedMu.Lock()
	defer s.dispatchedMu.Unlock()
	delete(s.dispatched, id)
	return nil
}

func (s *Store) counter(cluster string) *atomic.Int64 {
	v, _ := s.counters.LoadOrStore(cluster, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (s *Store) IncrClusterCounter(_ context.Context, cluster string, cap int64) (bool, error) {
	c := s.counter(cluster)
	for {
		cur := c.Load()
		if cur >= cap {
			return false, nil
		}
		if c.CompareAndSwap(cur, cur+1) {
			return true, nil
		}
	}
}

func (s *Store) DecrClusterCounter(_ context.Context, cluster string) error {
	c := s.counter(cluster)
	for {
		cur := c.Load()
		if cur <= 0 {
			s.log.Warn("decrement at zero counter", zap.String("cluster", cluster))
			return nil
		}
		if c.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

func (s *Store) SetClusterCounter(_ context.Context, cluster string, n int64) error {
	if n < 0 {
		n = 0
	}
	s.counter(cluster).Store(n)
	return nil
}

func (s *Store) GetClusterCounter(_ context.Context, cluster string) (int64, error) {
	return s.counter(cluster).Load(), nil
}

func (s *Store) CountQueued(_ context.Context, group string) (int64, error) {
	s.queuedMu.RLock()
	defer s.queuedMu.RUnlock()
	var n int64
	for _, qs := range s.queued {
		if qs.ClusterGroup == group {
			n++
		}
	}
	return n, nil
}

func (s *Store) ReapQueuedBefore(_ context.Context, t time.Time) (int64, error) {
	s.queuedMu.Lock()
	defer s.queuedMu.Unlock()
	var n int64
	for id, qs := range s.queued {
		if qs.LastAccessed.Before(t) {
			delete(s.queued, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) GetLastRefresh(_ context.Context) (time.Time, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refresh, nil
}

func (s *Store) SetLastRefresh(_ context.Context, t time.Time) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	s.refresh = t
	return nil
}

func (s *Store) GetClusterState(_ context.Context, cluster string) (trinoapi.ClusterState, error) {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	st, ok := s.states[cluster]
	if !ok {
		return trinoapi.Unknown(), nil
	}
	return st, nil
}

func (s *Store) SetClusterState(_ context.Context, cluster string, st trinoapi.ClusterState) error {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	s.states[cluster] = st
	return nil
}

func (s *Store) Close() error { return nil }

// Copyright 2025 James Ross
// Package redispersist implements persistence.Store on top of Redis (or
// Redis Cluster), following the same "server-side script for the atomic
// increment-under-cap" pattern the work-queue's rate limiter uses for its
// token bucket: a Lua script run via redis.Script, invoked in a retry loop
// over the observed current value.
package redispersist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/redis/go-redis/v9"

	"github.com/trinolb/trino-lb/internal/persistence"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

// Store is a Redis-backed persistence.Store. Statement blobs are
// flate-compressed JSON under plain string keys; each cluster-group has an
// auxiliary set of queued ids used by CountQueued, and ReapQueuedBefore
// reads a single sorted set of queued ids scored by last_accessed.
type Store struct {
	client redis.UniversalClient

	incrScript *redis.Script
	decrScript *redis.Script
}

const (
	keyPrefix        = "trino_lb:"
	queuedKeyFmt     = keyPrefix + "queued:%s"
	groupSetKeyFmt   = keyPrefix + "queued_group:%s"
	accessZSetKey    = keyPrefix + "queued_access"
	dispatchedKeyFmt = keyPrefix + "dispatched:%s"
	counterKeyFmt    = keyPrefix + "counter:%s"
	stateKeyFmt      = keyPrefix + "state:%s"
	lastRefreshKey   = keyPrefix + "last_refresh"
)

// New wraps an already-constructed go-redis client (single-node or cluster).
func New(client redis.UniversalClient) *Store {
	s := &Store{client: client}
	// "if GET equals expected (or key is absent and expected is empty),
	// SET new value and return 1; else return 0" — see spec's key-value
	// adapter contract for incr_cluster_counter.
	s.incrScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local expected = ARGV[1]
if (cur == false and expected == '') or cur == expected then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)
	s.decrScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 0 then
  return 0
end
redis.call('SET', KEYS[1], cur - 1)
return 1
`)
	return s
}

var _ persistence.Store = (*Store)(nil)

func compress(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(b []byte, v any) error {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (s *Store) PutQueued(ctx context.Context, qs trinoapi.QueuedStatement) error {
	blob, err := compress(qs)
	if err != nil {
		return fmt.Errorf("encode queued statement: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(queuedKeyFmt, qs.ID), blob, 0)
	pipe.SAdd(ctx, fmt.Sprintf(groupSetKeyFmt, qs.ClusterGroup), qs.ID)
	pipe.ZAdd(ctx, accessZSetKey, redis.Z{Score: float64(qs.LastAccessed.UnixNano()), Member: qs.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetQueued(ctx context.Context, id string) (trinoapi.QueuedStatement, error) {
	b, err := s.client.Get(ctx, fmt.Sprintf(queuedKeyFmt, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return trinoapi.QueuedStatement{}, persistence.ErrNotFound
	}
	if err != nil {
		return trinoapi.QueuedStatement{}, err
	}
	var qs trinoapi.QueuedStatement
	if err := decompress(b, &qs); err != nil {
		return trinoapi.QueuedStatement{}, fmt.Errorf("decode queued statement: %w", err)
	}
	return qs, nil
}

func (s *Store) RemoveQueued(ctx context.Context, id string) error {
	qs, err := s.GetQueued(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(queuedKeyFmt, id))
	pipe.SRem(ctx, fmt.Sprintf(groupSetKeyFmt, qs.ClusterGroup), id)
	pipe.ZRem(ctx, accessZSetKey, id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) PutDispatched(ctx context.Context, ds trinoapi.DispatchedStatement) error {
	blob, err := compress(ds)
	if err != nil {
		return fmt.Errorf("encode dispatched statement: %w", err)
	}
	return s.client.Set(ctx, fmt.Sprintf(dispatchedKeyFmt, ds.ID), blob, 0).Err()
}

func (s *Store) GetDispatched(ctx context.Context, id string) (trinoapi.DispatchedStatement, error) {
	b, err := s.client.Get(ctx, fmt.Sprintf(dispatchedKeyFmt, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return trinoapi.DispatchedStatement{}, persistence.ErrNotFound
	}
	if err != nil {
		return trinoapi.DispatchedStatement{}, err
	}
	var ds trinoapi.DispatchedStatement
	if err := decompress(b, &ds); err != nil {
		return trinoapi.DispatchedStatement{}, fmt.Errorf("decode dispatched statement: %w", err)
	}
	return ds, nil
}

func (s *Store) RemoveDispatched(ctx context.Context, id string) error {
	return s.client.Del(ctx, fmt.Sprintf(dispatchedKeyFmt, id)).Err()
}

func (s *Store) IncrClusterCounter(ctx context.Context, cluster string, cap int64) (bool, error) {
	key := fmt.Sprintf(counterKeyFmt, cluster)
	for {
		curStr, err := s.client.Get(ctx, key).Result()
		expected := curStr
		var cur int64
		switch {
		case errors.Is(err, redis.Nil):
			cur, expected = 0, ""
		case err != nil:
			return false, err
		default:
			cur, err = strconv.ParseInt(curStr, 10, 64)
			if err != nil {
				return false, fmt.Errorf("parse counter %q: %w", key, err)
			}
		}
		if cur >= cap {
			return false, nil
		}
		res, err := s.incrScript.Run(ctx, s.client, []string{key}, expected, strconv.FormatInt(cur+1, 10)).Int64()
		if err != nil {
			return false, err
		}
		if res == 1 {
			return true, nil
		}
		// Lost the race against another replica; retry with a fresh read.
	}
}

func (s *Store) DecrClusterCounter(ctx context.Context, cluster string) error {
	key := fmt.Sprintf(counterKeyFmt, cluster)
	_, err := s.decrScript.Run(ctx, s.client, []string{key}).Int64()
	return err
}

func (s *Store) SetClusterCounter(ctx context.Context, cluster string, n int64) error {
	if n < 0 {
		n = 0
	}
	return s.client.Set(ctx, fmt.Sprintf(counterKeyFmt, cluster), n, 0).Err()
}

func (s *Store) GetClusterCounter(ctx context.Context, cluster string) (int64, error) {
	n, err := s.client.Get(ctx, fmt.Sprintf(counterKeyFmt, cluster)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *Store) CountQueued(ctx context.Context, group string) (int64, error) {
	return s.client.SCard(ctx, fmt.Sprintf(groupSetKeyFmt, group)).Result()
}

func (s *Store) ReapQueuedBefore(ctx context.Context, t time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, accessZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(t.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, id := range ids {
		if err := s.RemoveQueued(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) GetLastRefresh(ctx context.Context) (time.Time, error) {
	ns, err := s.client.Get(ctx, lastRefreshKey).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns), nil
}

func (s *Store) SetLastRefresh(ctx context.Context, t time.Time) error {
	return s.client.Set(ctx, lastRefreshKey, t.UnixNano(), 0).Err()
}

func (s *Store) GetClusterState(ctx context.Context, cluster string) (trinoapi.ClusterState, error) {
	b, err := s.client.Get(ctx, fmt.Sprintf(stateKeyFmt, cluster)).Bytes()
	if errors.Is(err, redis.Nil) {
		return trinoapi.Unknown(), nil
	}
	if err != nil {
		return trinoapi.ClusterState{}, err
	}
	var st trinoapi.ClusterState
	if err := json.Unmarshal(b, &st); err != nil {
		return trinoapi.ClusterState{}, fmt.Errorf("decode cluster state: %w", err)
	}
	return st, nil
}

func (s *Store) SetClusterState(ctx context.Context, cluster string, st trinoapi.ClusterState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, fmt.Sprintf(stateKeyFmt, cluster), b, 0).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

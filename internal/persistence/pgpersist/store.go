// Copyright 2025 James Ross
// Package pgpersist implements persistence.Store on top of PostgreSQL,
// following the same database/sql storage-adapter shape the work-queue's
// exactly-once outbox uses, adapted to Postgres placeholders and
// transactional row locking for the counter CAS.
package pgpersist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/trinolb/trino-lb/internal/persistence"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

// Store is a PostgreSQL-backed persistence.Store.
type Store struct {
	db *sql.DB
}

// Open opens a Postgres connection pool at dsn and ensures the schema
// exists. Callers own the returned Store's lifetime and must call Close.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open *sql.DB (used by tests against a
// testcontainers-managed instance).
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

var _ persistence.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS trino_lb_queued_statements (
	id TEXT PRIMARY KEY,
	cluster_group TEXT NOT NULL,
	sql TEXT NOT NULL,
	headers JSONB NOT NULL DEFAULT '{}',
	creation_time TIMESTAMPTZ NOT NULL,
	last_accessed TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trino_lb_queued_statements_group_idx ON trino_lb_queued_statements (cluster_group);
CREATE INDEX IF NOT EXISTS trino_lb_queued_statements_access_idx ON trino_lb_queued_statements (last_accessed);

CREATE TABLE IF NOT EXISTS trino_lb_dispatched_statements (
	id TEXT PRIMARY KEY,
	cluster_name TEXT NOT NULL,
	cluster_endpoint TEXT NOT NULL,
	creation_time TIMESTAMPTZ NOT NULL,
	delivered_time TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trino_lb_cluster_counters (
	cluster_name TEXT PRIMARY KEY,
	count BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS trino_lb_cluster_states (
	cluster_name TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	since TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trino_lb_refresh_state (
	singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
	last_refresh TIMESTAMPTZ NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) PutQueued(ctx context.Context, qs trinoapi.QueuedStatement) error {
	headers, err := json.Marshal(qs.Headers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trino_lb_queued_statements (id, cluster_group, sql, headers, creation_time, last_accessed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET last_accessed = EXCLUDED.last_accessed
	`, qs.ID, qs.ClusterGroup, qs.SQL, headers, qs.CreationTime, qs.LastAccessed)
	return err
}

func (s *Store) GetQueued(ctx context.Context, id string) (trinoapi.QueuedStatement, error) {
	var qs trinoapi.QueuedStatement
	var headers []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cluster_group, sql, headers, creation_time, last_accessed
		FROM trino_lb_queued_statements WHERE id = $1
	`, id).Scan(&qs.ID, &qs.ClusterGroup, &qs.SQL, &headers, &qs.CreationTime, &qs.LastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return trinoapi.QueuedStatement{}, persistence.ErrNotFound
	}
	if err != nil {
		return trinoapi.QueuedStatement{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &qs.Headers); err != nil {
			return trinoapi.QueuedStatement{}, fmt.Errorf("decode headers: %w", err)
		}
	}
	return qs, nil
}

func (s *Store) RemoveQueued(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM trino_lb_queued_statements WHERE id = $1`, id)
	return err
}

func (s *Store) PutDispatched(ctx context.Context, ds trinoapi.DispatchedStatement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trino_lb_dispatched_statements (id, cluster_name, cluster_endpoint, creation_time, delivered_time)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET delivered_time = EXCLUDED.delivered_time
	`, ds.ID, ds.ClusterName, ds.ClusterEndpoint, ds.CreationTime, ds.DeliveredTime)
	return err
}

func (s *Store) GetDispatched(ctx context.Context, id string) (trinoapi.DispatchedStatement, error) {
	var ds trinoapi.DispatchedStatement
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cluster_name, cluster_endpoint, creation_time, delivered_time
		FROM trino_lb_dispatched_statements WHERE id = $1
	`, id).Scan(&ds.ID, &ds.ClusterName, &ds.ClusterEndpoint, &ds.CreationTime, &ds.DeliveredTime)
	if errors.Is(err, sql.ErrNoRows) {
		return trinoapi.DispatchedStatement{}, persistence.ErrNotFound
	}
	return ds, err
}

func (s *Store) RemoveDispatched(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM trino_lb_dispatched_statements WHERE id = $1`, id)
	return err
}

// IncrClusterCounter uses SELECT ... FOR UPDATE to serialize the
// test-and-increment against other transactions touching the same row.
func (s *Store) IncrClusterCounter(ctx context.Context, cluster string, cap int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trino_lb_cluster_counters (cluster_name, count) VALUES ($1, 0)
		ON CONFLICT (cluster_name) DO NOTHING
	`, cluster); err != nil {
		return false, err
	}

	var cur int64
	if err := tx.QueryRowContext(ctx, `
		SELECT count FROM trino_lb_cluster_counters WHERE cluster_name = $1 FOR UPDATE
	`, cluster).Scan(&cur); err != nil {
		return false, err
	}

	if cur >= cap {
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE trino_lb_cluster_counters SET count = $2 WHERE cluster_name = $1
	`, cluster, cur+1); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) DecrClusterCounter(ctx context.Context, cluster string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trino_lb_cluster_counters SET count = GREATEST(count - 1, 0) WHERE cluster_name = $1
	`, cluster)
	return err
}

func (s *Store) SetClusterCounter(ctx context.Context, cluster string, n int64) error {
	if n < 0 {
		n = 0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trino_lb_cluster_counters (cluster_name, count) VALUES ($1, $2)
		ON CONFLICT (cluster_name) DO UPDATE SET count = EXCLUDED.count
	`, cluster, n)
	return err
}

func (s *Store) GetClusterCounter(ctx context.Context, cluster string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count FROM trino_lb_cluster_counters WHERE cluster_name = $1`, cluster).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *Store) CountQueued(ctx context.Context, group string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trino_lb_queued_statements WHERE cluster_group = $1
	`, group).Scan(&n)
	return n, err
}

func (s *Store) ReapQueuedBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trino_lb_queued_statements WHERE last_accessed < $1`, t)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetLastRefresh(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_refresh FROM trino_lb_refresh_state WHERE singleton`).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	return t, err
}

func (s *Store) SetLastRefresh(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trino_lb_refresh_state (singleton, last_refresh) VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO UPDATE SET last_refresh = EXCLUDED.last_refresh
	`, t)
	return err
}

func (s *Store) GetClusterState(ctx context.Context, cluster string) (trinoapi.ClusterState, error) {
	var kind string
	var since time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, since FROM trino_lb_cluster_states WHERE cluster_name = $1
	`, cluster).Scan(&kind, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return trinoapi.Unknown(), nil
	}
	if err != nil {
		return trinoapi.ClusterState{}, err
	}
	return trinoapi.ClusterState{Kind: trinoapi.ClusterStateKind(kind), Since: since}, nil
}

func (s *Store) SetClusterState(ctx context.Context, cluster string, st trinoapi.ClusterState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trino_lb_cluster_states (cluster_name, kind, since) VALUES ($1, $2, $3)
		ON CONFLICT (cluster_name) DO UPDATE SET kind = EXCLUDED.kind, since = EXCLUDED.since
	`, cluster, string(st.Kind), st.Since)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

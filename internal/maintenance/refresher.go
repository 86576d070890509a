// Copyright 2025 James Ross
package maintenance

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/trinolb/trino-lb/internal/clusterregistry"
	"github.com/trinolb/trino-lb/internal/obs"
	"github.com/trinolb/trino-lb/internal/persistence"
	"github.com/trinolb/trino-lb/internal/trinoapi"
)

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// refreshSkew is subtracted from the interval when deciding whether this
// replica is still within its own lease window, per spec.md §4.6 step 1.
const refreshSkew = 50 * time.Millisecond

// CounterRefresher periodically reconciles per-cluster counters against
// ground truth read from each backend's stats endpoint. It uses a soft
// lease (last_refresh timestamp in persistence) rather than a hard mutex:
// running twice in the same cycle wastes backend load but is not
// incorrect; running zero times is the liveness bug this lease exists to
// bound.
type CounterRefresher struct {
	registry *clusterregistry.Registry
	db       persistence.Store
	interval time.Duration
	limiter  *rate.Limiter
	log      *zap.Logger
	now      func() time.Time
}

// NewCounterRefresher builds a refresher that ticks every interval and
// throttles per-cluster stats fetches (a login call, when credentials are
// configured, followed by the stats call) to at most 10 clusters per second,
// matching the producer's own outbound-call limiter convention.
func NewCounterRefresher(registry *clusterregistry.Registry, db persistence.Store, interval time.Duration, log *zap.Logger) *CounterRefresher {
	if log == nil {
		log = zap.NewNop()
	}
	return &CounterRefresher{
		registry: registry,
		db:       db,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(10), 10),
		log:      log,
		now:      time.Now,
	}
}

// Run ticks every interval until ctx is cancelled.
func (c *CounterRefresher) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *CounterRefresher) tick(ctx context.Context) {
	now := c.now()
	last, err := c.db.GetLastRefresh(ctx)
	if err != nil {
		c.log.Warn("counter refresher: read last_refresh failed", obs.Err(err))
		return
	}
	if !last.IsZero() && now.Before(last.Add(c.interval-refreshSkew)) {
		// Another replica is the active refresher this cycle; drop this
		// replica's per-cluster gauges rather than keep exporting stale ones.
		obs.ClusterCounter.Reset()
		return
	}
	if err := c.db.SetLastRefresh(ctx, now); err != nil {
		c.log.Warn("counter refresher: write last_refresh failed", obs.Err(err))
		return
	}

	obs.CounterRefreshRuns.Inc()
	for _, group := range c.registry.Groups() {
		for _, cl := range c.registry.ClustersOf(group) {
			c.refreshOne(ctx, cl)
		}
	}
}

func (c *CounterRefresher) refreshOne(ctx context.Context, cl clusterregistry.Cluster) {
	state, err := c.db.GetClusterState(ctx, cl.Name)
	if err != nil {
		c.log.Warn("counter refresher: read state failed", obs.String("cluster", cl.Name), obs.Err(err))
		return
	}
	switch state.Kind {
	case trinoapi.StateReady, trinoapi.StateUnhealthy, trinoapi.StateDraining:
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		stats, err := fetchBackendStats(ctx, cl)
		if err != nil {
			c.log.Warn("counter refresher: fetch stats failed", obs.String("cluster", cl.Name), obs.Err(err))
			return
		}
		if err := c.db.SetClusterCounter(ctx, cl.Name, stats.Total()); err != nil {
			c.log.Warn("counter refresher: set counter failed", obs.String("cluster", cl.Name), obs.Err(err))
		}
	default:
		if err := c.db.SetClusterCounter(ctx, cl.Name, 0); err != nil {
			c.log.Warn("counter refresher: zero counter failed", obs.String("cluster", cl.Name), obs.Err(err))
		}
	}
}

// fetchBackendStats authenticates against the cluster's UI login endpoint
// (form POST, cookie-based session) and reads its stats endpoint, using a
// fresh *http.Client (and cookie jar) per call so cookies from one cluster
// never leak into another's request.
func fetchBackendStats(ctx context.Context, cl clusterregistry.Cluster) (trinoapi.BackendStats, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return trinoapi.BackendStats{}, err
	}
	client := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	base := strings.TrimRight(cl.Endpoint, "/")
	if cl.Credentials != nil {
		form := url.Values{
			"username":     {cl.Credentials.Username},
			"password":     {cl.Credentials.Password},
			"redirectPath": {""},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/ui/login", strings.NewReader(form.Encode()))
		if err != nil {
			return trinoapi.BackendStats{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := client.Do(req)
		if err != nil {
			return trinoapi.BackendStats{}, err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/ui/api/stats", nil)
	if err != nil {
		return trinoapi.BackendStats{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return trinoapi.BackendStats{}, err
	}
	defer resp.Body.Close()

	var stats trinoapi.BackendStats
	if err := decodeJSON(resp.Body, &stats); err != nil {
		return trinoapi.BackendStats{}, err
	}
	return stats, nil
}

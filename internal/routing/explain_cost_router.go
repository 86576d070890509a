// Copyright 2025 James Ross
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/trinolb/trino-lb/internal/sanitization"
)

// Estimate is the five-dimension plan-cost estimate the explain-cost
// router sums across every plan node and compares against configured
// thresholds.
type Estimate struct {
	Rows    float64
	Bytes   float64
	CPU     float64
	Memory  float64
	Network float64
}

// Dominates reports whether e is >= other in all five dimensions.
func (e Estimate) Dominates(other Estimate) bool {
	return e.Rows >= other.Rows && e.Bytes >= other.Bytes && e.CPU >= other.CPU &&
		e.Memory >= other.Memory && e.Network >= other.Network
}

// CostTarget pairs a maximum estimate with the group it routes to, tried
// in order.
type CostTarget struct {
	MaxEstimate Estimate
	Group       string
}

// ExplainCostRouter sends `EXPLAIN (FORMAT JSON) <sql>` to a side-channel
// Trino-protocol backend, sums the plan's per-node estimates, and walks
// an ordered list of cost targets returning the first whose MaxEstimate
// dominates the query's estimate in every dimension.
type ExplainCostRouter struct {
	endpoint string
	username string
	password string
	targets  []CostTarget
	client   *http.Client
	limiter  *rate.Limiter
	log      *zap.Logger
}

// NewExplainCostRouter builds an ExplainCostRouter. maxCallsPerSecond
// throttles calls to the side channel; 0 disables throttling.
func NewExplainCostRouter(endpoint, username, password string, targets []CostTarget, maxCallsPerSecond float64, log *zap.Logger) *ExplainCostRouter {
	var limiter *rate.Limiter
	if maxCallsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxCallsPerSecond), int(math.Max(1, maxCallsPerSecond)))
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ExplainCostRouter{
		endpoint: strings.TrimRight(endpoint, "/"),
		username: username,
		password: password,
		targets:  targets,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  limiter,
		log:      log,
	}
}

func (r *ExplainCostRouter) Name() string { return "explainCosts" }

// TargetGroups reports every group a cost target may resolve to.
func (r *ExplainCostRouter) TargetGroups() []string {
	groups := make([]string, 0, len(r.targets))
	for _, t := range r.targets {
		groups = append(groups, t.Group)
	}
	return groups
}

func (r *ExplainCostRouter) Route(ctx context.Context, req Request) (string, bool, error) {
	estimate, err := r.estimate(ctx, req.SQL)
	if err != nil {
		r.log.Warn("explain-cost router: side-channel call failed, no opinion", zap.Error(err))
		return "", false, nil
	}
	for _, target := range r.targets {
		if target.MaxEstimate.Dominates(estimate) {
			return target.Group, true, nil
		}
	}
	return "", false, nil
}

func isUseStatement(sql string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(sql)), "use ")
}

func (r *ExplainCostRouter) estimate(ctx context.Context, sql string) (Estimate, error) {
	// `USE <schema>` has no query plan; the side channel would error on
	// it, so it short-circuits to the zero estimate, which the first
	// cost target dominates (all configured limits are at least zero).
	if isUseStatement(sql) {
		return Estimate{}, nil
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return Estimate{}, err
		}
	}

	planJSON, err := r.runExplain(ctx, sql)
	if err != nil {
		return Estimate{}, err
	}
	return sumEstimates(planJSON)
}

// runExplain submits `EXPLAIN (FORMAT JSON) <sql>` to the side-channel
// backend's statement endpoint and follows nextUri until the query
// finishes, returning the JSON plan text from the single result row.
func (r *ExplainCostRouter) runExplain(ctx context.Context, sql string) (string, error) {
	body := strings.NewReader("EXPLAIN (FORMAT JSON) " + sql)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/v1/statement", body)
	if err != nil {
		return "", err
	}
	if r.username != "" {
		httpReq.SetBasicAuth(r.username, r.password)
	}
	httpReq.Header.Set("X-Trino-User", "trino-lb-explain-cost-router")

	nextURI := ""
	var plan strings.Builder
	const maxHops = 50
	for hop := 0; hop < maxHops; hop++ {
		var resp *http.Response
		if nextURI == "" {
			resp, err = r.client.Do(httpReq)
		} else {
			var getReq *http.Request
			getReq, err = http.NewRequestWithContext(ctx, http.MethodGet, nextURI, nil)
			if err == nil {
				resp, err = r.client.Do(getReq)
			}
		}
		if err != nil {
			return "", err
		}
		env, err := decodeEnvelope(resp)
		if err != nil {
			return "", err
		}
		if env.Error != nil {
			return "", fmt.Errorf("explain failed: %s", sanitization.Error(mustJSON(env.Error)))
		}
		for _, row := range env.Data {
			if len(row) > 0 {
				if s, ok := row[0].(string); ok {
					plan.WriteString(s)
				}
			}
		}
		if env.NextURI == "" {
			return plan.String(), nil
		}
		nextURI = env.NextURI
	}
	return "", fmt.Errorf("explain polling exceeded %d hops", maxHops)
}

type explainEnvelope struct {
	NextURI string           `json:"nextUri"`
	Data    [][]any          `json:"data"`
	Error   *json.RawMessage `json:"error"`
}

func decodeEnvelope(resp *http.Response) (explainEnvelope, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return explainEnvelope{}, fmt.Errorf("side channel returned %d: %s", resp.StatusCode, sanitization.Error(b))
	}
	var env explainEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return explainEnvelope{}, err
	}
	return env, nil
}

func mustJSON(v *json.RawMessage) []byte {
	if v == nil {
		return nil
	}
	return *v
}

// sumEstimates walks every plan node's "estimates" array anywhere in the
// plan JSON (JSONPath `$..estimates[*]`, matching Trino's nested plan
// shape where each node carries a list of estimation entries) and sums
// each of the five dimensions, coercing NaN/"n/a"/missing to 0.
func sumEstimates(planJSON string) (Estimate, error) {
	if strings.TrimSpace(planJSON) == "" {
		return Estimate{}, nil
	}
	var data any
	if err := json.Unmarshal([]byte(planJSON), &data); err != nil {
		return Estimate{}, fmt.Errorf("parse plan json: %w", err)
	}

	var total Estimate
	matches, err := jsonpath.Get("$..estimates[*]", data)
	if err != nil {
		// No estimates present is not an error; it just means a zero
		// estimate (e.g. trivial statements).
		return Estimate{}, nil
	}
	list, ok := matches.([]any)
	if !ok {
		list = []any{matches}
	}
	for _, m := range list {
		node, ok := m.(map[string]any)
		if !ok {
			continue
		}
		total.Rows += coerceFloat(node["outputRowCount"])
		total.Bytes += coerceFloat(node["outputSizeInBytes"])
		total.CPU += coerceFloat(node["cpuCost"])
		total.Memory += coerceFloat(node["memoryCost"])
		total.Network += coerceFloat(node["networkCost"])
	}
	return total, nil
}

func coerceFloat(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		if math.IsNaN(t) {
			return 0
		}
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if s == "" || s == "nan" || s == "n/a" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

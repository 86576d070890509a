// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	StatementsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trino_lb_statements_submitted_total",
		Help: "Total number of statements submitted via POST /v1/statement",
	})
	StatementsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trino_lb_statements_dispatched_total",
		Help: "Total number of statements handed over to a backend cluster",
	}, []string{"cluster"})
	StatementsQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trino_lb_statements_queued_total",
		Help: "Total number of statements held in the load balancer's own queue",
	})
	StatementsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trino_lb_statements_reaped_total",
		Help: "Total number of queued statements evicted by the reaper",
	})
	QueuedDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trino_lb_queued_duration_seconds",
		Help:    "Time a statement spent queued inside the load balancer before dispatch",
		Buckets: prometheus.DefBuckets,
	})
	ClusterCounter = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trino_lb_cluster_counter",
		Help: "Per-cluster admission counter as last observed by this replica",
	}, []string{"cluster"})
	ClusterState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trino_lb_cluster_state",
		Help: "1 if the cluster currently reports the labeled state, else 0",
	}, []string{"cluster", "state"})
	RouterDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trino_lb_router_decisions_total",
		Help: "Routing decisions by router name and outcome (hit|no_opinion|fallback)",
	}, []string{"router", "outcome"})
	AutoscalerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trino_lb_autoscaler_transitions_total",
		Help: "Count of target states applied by the autoscaler, by cluster and state",
	}, []string{"cluster", "state"})
	CounterRefreshRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trino_lb_counter_refresh_runs_total",
		Help: "Total number of counter-refresher cycles this replica actually executed",
	})
	BackendCallErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trino_lb_backend_call_errors_total",
		Help: "Backend HTTP call failures by operation",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		StatementsSubmitted,
		StatementsDispatched,
		StatementsQueued,
		StatementsReaped,
		QueuedDuration,
		ClusterCounter,
		ClusterState,
		RouterDecisions,
		AutoscalerTransitions,
		CounterRefreshRuns,
		BackendCallErrors,
	)
}

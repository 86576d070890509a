// Copyright 2025 James Ross
// Package trinoapi defines the statement-protocol data model shared by every
// component of trino-lb: the fabricated id scheme, the polling envelope, and
// the backend push-event shape.
package trinoapi

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

// IDPrefix is the fixed prefix of every fabricated statement id.
const IDPrefix = "trino_lb"

// idPattern matches trino_lb_YYYYMMDD_HHMMSS_XXXXXXXX exactly.
var idPattern = regexp.MustCompile(`^trino_lb_[0-9]{8}_[0-9]{6}_[A-Za-z0-9]{8}$`)

const idSuffixAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewID fabricates a statement id: trino_lb_<UTC timestamp>_<8 random alphanumerics>.
func NewID(now time.Time) (string, error) {
	suffix, err := randomSuffix(8)
	if err != nil {
		return "", fmt.Errorf("generate id suffix: %w", err)
	}
	return fmt.Sprintf("%s_%s_%s", IDPrefix, now.UTC().Format("20060102_150405"), suffix), nil
}

func randomSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = idSuffixAlphabet[int(b)%len(idSuffixAlphabet)]
	}
	return string(out), nil
}

// IsValidID reports whether id matches the fabricated-id format.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// QueuedStatement is a statement that has arrived but not yet been dispatched
// to a backend cluster.
type QueuedStatement struct {
	ID           string      `json:"id"`
	SQL          string      `json:"sql"`
	Headers      http.Header `json:"headers"`
	ClusterGroup string      `json:"cluster_group"`
	CreationTime time.Time   `json:"creation_time"`
	LastAccessed time.Time   `json:"last_accessed"`
}

// DispatchedStatement is a statement that has been handed over to a backend
// cluster and is tracked so the lifecycle engine can rewrite and clean up
// after it.
type DispatchedStatement struct {
	ID              string    `json:"id"`
	ClusterName     string    `json:"cluster_name"`
	ClusterEndpoint string    `json:"cluster_endpoint"`
	CreationTime    time.Time `json:"creation_time"`
	DeliveredTime   time.Time `json:"delivered_time"`
}

// StateQueuedInLB is the stats.state value the LB emits for a statement it is
// holding in its own queue.
const StateQueuedInLB = "QUEUED_IN_TRINO_LB"

// Stats mirrors the backend's stats block, reproduced verbatim by the LB.
type Stats struct {
	State              string   `json:"state"`
	Queued             bool     `json:"queued"`
	Scheduled          bool     `json:"scheduled,omitempty"`
	ElapsedTimeMillis  int64    `json:"elapsedTimeMillis"`
	QueuedTimeMillis   int64    `json:"queuedTimeMillis"`
	CPUTimeMillis      int64    `json:"cpuTimeMillis,omitempty"`
	WallTimeMillis     int64    `json:"wallTimeMillis,omitempty"`
	PeakMemoryBytes    int64    `json:"peakMemoryBytes,omitempty"`
	ProcessedBytes     int64    `json:"processedBytes,omitempty"`
	ProcessedRows      int64    `json:"processedRows,omitempty"`
	PhysicalInputBytes int64    `json:"physicalInputBytes,omitempty"`
	TotalSplits        int64    `json:"totalSplits,omitempty"`
	QueuedSplits       int64    `json:"queuedSplits,omitempty"`
	RunningSplits      int64    `json:"runningSplits,omitempty"`
	CompletedSplits    int64    `json:"completedSplits,omitempty"`
	Nodes              int64    `json:"nodes,omitempty"`
	SpilledBytes       int64    `json:"spilledBytes,omitempty"`
	ProgressPercentage *float64 `json:"progressPercentage,omitempty"`
	RunningPercentage  *float64 `json:"runningPercentage,omitempty"`
	RootStage          any      `json:"rootStage,omitempty"`
}

// Envelope is the polling envelope returned from POST and GET poll calls,
// reproduced verbatim on the wire.
type Envelope struct {
	ID               string `json:"id"`
	NextURI          string `json:"nextUri,omitempty"`
	InfoURI          string `json:"infoUri"`
	PartialCancelURI string `json:"partialCancelUri,omitempty"`
	Columns          any    `json:"columns,omitempty"`
	Data             any    `json:"data,omitempty"`
	Error            any    `json:"error,omitempty"`
	Warnings         []any  `json:"warnings"`
	Stats            Stats  `json:"stats"`
	UpdateType       string `json:"updateType,omitempty"`
	UpdateCount      *int64 `json:"updateCount,omitempty"`
}

// BackendPushEventMetadata is the metadata block of a backend push event.
type BackendPushEventMetadata struct {
	URI        string `json:"uri"`
	QueryID    string `json:"queryId"`
	QueryState string `json:"queryState"`
}

// Backend query states as reported by the push-event endpoint.
const (
	QueryStateQueued    = "QUEUED"
	QueryStateExecuting = "EXECUTING"
	QueryStateFinished  = "FINISHED"
)

// BackendPushEventContext is the context block of a backend push event.
type BackendPushEventContext struct {
	ServerAddress string `json:"serverAddress"`
	Environment   string `json:"environment"`
}

// BackendPushEvent is the JSON body the backend POSTs to the push-event
// endpoint when a query transitions state.
type BackendPushEvent struct {
	Metadata BackendPushEventMetadata `json:"metadata"`
	Context  BackendPushEventContext  `json:"context"`
}

// BackendStats is the shape of the backend's stats endpoint response, used by
// the counter refresher to reconcile per-cluster counters against ground
// truth.
type BackendStats struct {
	RunningQueries           int64   `json:"runningQueries"`
	BlockedQueries           int64   `json:"blockedQueries"`
	QueuedQueries            int64   `json:"queuedQueries"`
	ActiveCoordinators       int64   `json:"activeCoordinators"`
	ActiveWorkers            int64   `json:"activeWorkers"`
	RunningDrivers           int64   `json:"runningDrivers"`
	TotalAvailableProcessors int64   `json:"totalAvailableProcessors"`
	ReservedMemory           int64   `json:"reservedMemory"`
	TotalInputRows           int64   `json:"totalInputRows"`
	TotalInputBytes          int64   `json:"totalInputBytes"`
	TotalCPUTimeSecs         float64 `json:"totalCpuTimeSecs"`
}

// Total sums the three components the counter refresher treats as "active".
func (b BackendStats) Total() int64 {
	return b.RunningQueries + b.BlockedQueries + b.QueuedQueries
}

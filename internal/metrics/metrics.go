// Package metrics exposes the ambient observability surface SPEC_FULL.md
// calls for alongside the REST gateway: package-level Prometheus
// collectors, grounded on cuemby-warren's pkg/metrics/metrics.go (the same
// package-var-plus-init-registration shape, the same Timer helper), wired
// to this engine's own signals instead of warren's cluster/raft ones.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InstructionsExecuted counts interpreter instructions retired, by
	// region, across every VM.Run call.
	InstructionsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndbcore_interpreter_instructions_total",
			Help: "Total interpreter instructions executed, by region",
		},
		[]string{"region"},
	)

	// RowOpsTotal counts completed RowOps operations by type and outcome.
	RowOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndbcore_row_ops_total",
			Help: "Total RowOps operations completed, by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	// PageEvictionsTotal counts pages evicted from a fragment's PageStore
	// to admit a new page under memory pressure.
	PageEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ndbcore_page_evictions_total",
			Help: "Total pages evicted from a fragment's page store",
		},
	)

	// PagesResident reports the current resident page count for a
	// fragment, sampled by the scheduler's optimize tick.
	PagesResident = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ndbcore_pages_resident",
			Help: "Pages currently resident in a fragment's page store",
		},
		[]string{"fragment"},
	)

	// OptimizeRunsTotal counts firings of the periodic optimize job, the
	// "trigger" the scheduler drives on cfg.Storage.OptimizeIntervalSec.
	OptimizeRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ndbcore_optimize_runs_total",
			Help: "Total firings of the periodic page-compaction job",
		},
	)

	// OptimizeBytesReclaimed sums the bytes Fragment.Optimize reclaims per
	// run.
	OptimizeBytesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ndbcore_optimize_bytes_reclaimed_total",
			Help: "Total bytes reclaimed by the periodic page-compaction job",
		},
	)

	// CheckpointRunsTotal counts firings of the periodic LCP tick.
	CheckpointRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ndbcore_checkpoint_runs_total",
			Help: "Total firings of the periodic checkpoint (LCP) tick",
		},
	)

	// GatewayRequestDuration times REST gateway handlers by table and
	// endpoint.
	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ndbcore_gateway_request_duration_seconds",
			Help:    "REST gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table", "endpoint"},
	)
)

func init() {
	prometheus.MustRegister(
		InstructionsExecuted,
		RowOpsTotal,
		PageEvictionsTotal,
		PagesResident,
		OptimizeRunsTotal,
		OptimizeBytesReclaimed,
		CheckpointRunsTotal,
		GatewayRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing a single operation and feeding it to a
// histogram when it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

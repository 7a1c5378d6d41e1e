package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the worker process. Strategy type is a bounded
// label (ai, grid, dca, rsi); result is success|error|skipped.
var (
	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantflow_active_workers",
		Help: "Number of agent workers currently running on this instance",
	})

	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantflow_cycles_total",
		Help: "Total execution cycles by strategy type and result",
	}, []string{"strategy", "result"})

	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantflow_cycle_duration_seconds",
		Help:    "Execution cycle duration by strategy type",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"strategy"})

	tradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantflow_trades_executed_total",
		Help: "Total trades executed by strategy type",
	}, []string{"strategy"})

	cycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantflow_cycle_errors_total",
		Help: "Cycle errors by retry classification",
	}, []string{"class"})

	ownershipLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantflow_ownership_lost_total",
		Help: "Workers stopped because another instance took ownership",
	})

	staleAgentsMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantflow_stale_agents_marked_total",
		Help: "Agents transitioned to error after heartbeat loss",
	})
)

// MetricsHandler returns the Prometheus scrape handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RegisterMetricsHandlers mounts the scrape endpoint on a mux
func RegisterMetricsHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", MetricsHandler())
}

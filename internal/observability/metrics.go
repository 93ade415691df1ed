// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	SkipsTotal        *prometheus.CounterVec
	ExecutionFailures *prometheus.CounterVec
	SwapMultiplier    prometheus.Histogram

	// Scheduler metrics
	PassesTotal  *prometheus.CounterVec
	PassDuration prometheus.Histogram
	VaultsDue    prometheus.Gauge

	// Fund metrics
	RebalanceRuns  *prometheus.CounterVec
	RebalanceSwaps *prometheus.CounterVec

	// Feed metrics
	FeedMessages       *prometheus.CounterVec
	FeedMessageLatency prometheus.Histogram
	FeedReconnects     prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulPass prometheus.Gauge
	ConfigVersion      prometheus.Gauge
	Paused             prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dca_vault_engine"
	}

	return &Metrics{
		// Execution metrics
		ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "executions_total",
			Help:      "Total number of vault executions by outcome",
		}, []string{"outcome"}),
		SkipsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "skips_total",
			Help:      "Total number of skipped executions by reason",
		}, []string{"reason"}),
		ExecutionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "failures_total",
			Help:      "Total number of failed executions by retryability",
		}, []string{"retryable"}),
		SwapMultiplier: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "swap_multiplier",
			Help:      "Swap adjustment multiplier applied per execution",
			Buckets:   []float64{0.25, 0.5, 0.75, 1, 1.25, 1.5, 2, 3, 5},
		}),

		// Scheduler metrics
		PassesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "passes_total",
			Help:      "Total number of scheduler passes by status",
		}, []string{"status"}),
		PassDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pass_duration_seconds",
			Help:      "Scheduler pass duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		VaultsDue: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "vaults_due",
			Help:      "Number of vaults found due in the last pass",
		}),

		// Fund metrics
		RebalanceRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fund",
			Name:      "rebalance_runs_total",
			Help:      "Total number of rebalance runs by status",
		}, []string{"status"}),
		RebalanceSwaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fund",
			Name:      "rebalance_swaps_total",
			Help:      "Total number of rebalance swaps by status",
		}, []string{"status"}),

		// Feed metrics
		FeedMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Total number of order book feed messages by status",
		}, []string{"status"}),
		FeedMessageLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "message_latency_seconds",
			Help:      "Order book feed message processing latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		FeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of order book feed reconnects",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulPass: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_pass_timestamp",
			Help:      "Unix timestamp of last successful scheduler pass",
		}),
		ConfigVersion: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "config_version",
			Help:      "Active admin configuration version",
		}),
		Paused: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "paused",
			Help:      "1 when the engine is paused",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordExecution records a vault execution outcome.
func RecordExecution(outcome, reason string, multiplier float64) {
	DefaultMetrics.ExecutionsTotal.WithLabelValues(outcome).Inc()
	if reason != "" {
		DefaultMetrics.SkipsTotal.WithLabelValues(reason).Inc()
	}
	if multiplier > 0 {
		DefaultMetrics.SwapMultiplier.Observe(multiplier)
	}
}

// RecordExecutionFailure records an execution that returned an error.
func RecordExecutionFailure(retryable bool) {
	label := "false"
	if retryable {
		label = "true"
	}
	DefaultMetrics.ExecutionFailures.WithLabelValues(label).Inc()
}

// RecordPass records a scheduler pass.
func RecordPass(status string, due int, durationSeconds float64, finishedAt int64) {
	DefaultMetrics.PassesTotal.WithLabelValues(status).Inc()
	DefaultMetrics.PassDuration.Observe(durationSeconds)
	DefaultMetrics.VaultsDue.Set(float64(due))
	if status == "success" {
		DefaultMetrics.LastSuccessfulPass.Set(float64(finishedAt))
	}
}

// RecordRebalance records a rebalance run and its swap counts.
func RecordRebalance(status string, executed, failed int) {
	DefaultMetrics.RebalanceRuns.WithLabelValues(status).Inc()
	DefaultMetrics.RebalanceSwaps.WithLabelValues("executed").Add(float64(executed))
	DefaultMetrics.RebalanceSwaps.WithLabelValues("failed").Add(float64(failed))
}

// RecordFeedMessage records a processed feed message.
func RecordFeedMessage(status string, seconds float64) {
	DefaultMetrics.FeedMessages.WithLabelValues(status).Inc()
	DefaultMetrics.FeedMessageLatency.Observe(seconds)
}

// RecordFeedReconnect increments the feed reconnect counter.
func RecordFeedReconnect() {
	DefaultMetrics.FeedReconnects.Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordConfig records the active config version and pause flag.
func RecordConfig(version int64, paused bool) {
	DefaultMetrics.ConfigVersion.Set(float64(version))
	p := 0.0
	if paused {
		p = 1
	}
	DefaultMetrics.Paused.Set(p)
}

// Package prometheus provides a Prometheus implementation of the metrics interface.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"seqtx/circuit"
	"seqtx/metrics"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
type PrometheusMetrics struct {
	// Transaction metrics
	txStartedTotal    prometheus.Counter
	txDeclinedTotal   *prometheus.CounterVec
	txFinishedTotal   prometheus.Counter
	txAbortedTotal    prometheus.Counter
	txRenewedTotal    prometheus.Counter
	txReclaimedTotal  prometheus.Counter
	txTimedOutTotal   prometheus.Counter
	opFailedTotal     *prometheus.CounterVec
	cacheLookupsTotal *prometheus.CounterVec

	// Compaction metrics
	compactionDuration    prometheus.Histogram
	compactionCollapsed   prometheus.Counter
	compactionPruned      prometheus.Counter
	compactionFailedTotal *prometheus.CounterVec

	// Circuit breaker metrics
	circuitState *prometheus.GaugeVec

	// Sweep metrics
	sweepScannedTotal   prometheus.Counter
	sweepProcessedTotal *prometheus.CounterVec
}

var _ metrics.Metrics = (*PrometheusMetrics)(nil)

// Config holds configuration for PrometheusMetrics.
type Config struct {
	// Namespace is the prefix for all metrics (e.g., "seqtx")
	Namespace string
	// Subsystem is an optional subsystem name
	Subsystem string
	// Registry is the Prometheus registry to use. If nil, the default registry is used.
	Registry prometheus.Registerer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "seqtx",
		Subsystem: "",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// New creates a new PrometheusMetrics instance with the given configuration.
func New(cfg Config) *PrometheusMetrics {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &PrometheusMetrics{
		txStartedTotal:    counter("tx_started_total", "Total number of transactions started"),
		txDeclinedTotal:   counterVec("tx_declined_total", "Total number of starts declined by a concurrency ceiling", "reason"),
		txFinishedTotal:   counter("tx_finished_total", "Total number of transactions finished successfully"),
		txAbortedTotal:    counter("tx_aborted_total", "Total number of transactions aborted"),
		txRenewedTotal:    counter("tx_renewed_total", "Total number of timeout renewals"),
		txReclaimedTotal:  counter("tx_reclaimed_total", "Total number of timed out transactions reclaimed by a new owner"),
		txTimedOutTotal:   counter("tx_timed_out_total", "Total number of transactions moved to TIMED_OUT by compaction"),
		opFailedTotal:     counterVec("operation_failed_total", "Total number of failed coordinator operations", "operation", "reason"),
		cacheLookupsTotal: counterVec("cache_lookups_total", "Success cache lookups", "hit"),

		compactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "compaction_duration_seconds",
			Help:      "Compaction duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}),
		compactionCollapsed:   counter("compaction_collapsed_total", "Total number of succeeded head records removed by compaction"),
		compactionPruned:      counter("compaction_pruned_total", "Total number of abandoned records removed by compaction"),
		compactionFailedTotal: counterVec("compaction_failed_total", "Total number of failed compactions", "reason"),

		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
		}, []string{"service"}),

		sweepScannedTotal:   counter("sweep_scanned_total", "Total number of series scanned by the sweeper"),
		sweepProcessedTotal: counterVec("sweep_processed_total", "Total number of series compacted by the sweeper", "success"),
	}
}

// Transaction metrics

func (p *PrometheusMetrics) TxStarted() {
	p.txStartedTotal.Inc()
}

func (p *PrometheusMetrics) TxDeclined(reason string) {
	p.txDeclinedTotal.WithLabelValues(reason).Inc()
}

func (p *PrometheusMetrics) TxFinished() {
	p.txFinishedTotal.Inc()
}

func (p *PrometheusMetrics) TxAborted() {
	p.txAbortedTotal.Inc()
}

func (p *PrometheusMetrics) TxRenewed() {
	p.txRenewedTotal.Inc()
}

func (p *PrometheusMetrics) TxReclaimed() {
	p.txReclaimedTotal.Inc()
}

func (p *PrometheusMetrics) TxTimedOut() {
	p.txTimedOutTotal.Inc()
}

// Compaction metrics

func (p *PrometheusMetrics) CompactionCompleted(duration time.Duration, collapsed, pruned int) {
	p.compactionDuration.Observe(duration.Seconds())
	p.compactionCollapsed.Add(float64(collapsed))
	p.compactionPruned.Add(float64(pruned))
}

func (p *PrometheusMetrics) CompactionFailed(reason string) {
	p.compactionFailedTotal.WithLabelValues(reason).Inc()
}

// Store and cache metrics

func (p *PrometheusMetrics) OperationFailed(operation, reason string) {
	p.opFailedTotal.WithLabelValues(operation, reason).Inc()
}

func (p *PrometheusMetrics) CacheLookup(hit bool) {
	p.cacheLookupsTotal.WithLabelValues(strconv.FormatBool(hit)).Inc()
}

// Circuit breaker metrics

func (p *PrometheusMetrics) CircuitStateChanged(service string, state circuit.State) {
	p.circuitState.WithLabelValues(service).Set(float64(state))
}

// Sweep metrics

func (p *PrometheusMetrics) SweepScanned(count int) {
	p.sweepScannedTotal.Add(float64(count))
}

func (p *PrometheusMetrics) SweepProcessed(success bool) {
	p.sweepProcessedTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "mowerlink_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	commandRequests *prometheus.CounterVec
	commandResults  *prometheus.CounterVec
	commandRetries  *prometheus.CounterVec
	commandAttempts prometheus.Histogram
	queueDepth      prometheus.Gauge

	transportLatency *prometheus.HistogramVec
	transportErrors  *prometheus.CounterVec

	sessionAuths *prometheus.CounterVec

	historyExportTotal   *prometheus.CounterVec
	historyExportLatency *prometheus.HistogramVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		commandRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total issued commands by kind",
			},
			[]string{"kind"},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command outcomes by status and error kind",
			},
			[]string{"status", "error_kind"},
		)
		commandRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_retries_total",
				Help: "Total command retries by failure classification",
			},
			[]string{"classification"},
		)
		commandAttempts = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_attempts",
				Help:    "Attempts used per completed command",
				Buckets: []float64{1, 2, 3, 4, 5, 8},
			},
		)
		queueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "queue_depth",
				Help: "Commands waiting for the worker",
			},
		)

		transportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "transport_latency_seconds",
				Help:    "Device API call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command", "result"},
		)
		transportErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transport_errors_total",
				Help: "Device API call failures by classification",
			},
			[]string{"classification"},
		)

		sessionAuths = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "session_authentications_total",
				Help: "Session authentication exchanges by result",
			},
			[]string{"result"},
		)

		historyExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "history_export_total",
				Help: "Total history export operations by format and result",
			},
			[]string{"format", "result"},
		)
		historyExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "history_export_latency_seconds",
				Help:    "History export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			commandRequests,
			commandResults,
			commandRetries,
			commandAttempts,
			queueDepth,
			transportLatency,
			transportErrors,
			sessionAuths,
			historyExportTotal,
			historyExportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncCommandIssued increments issued command counter.
func IncCommandIssued(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if commandRequests != nil {
		commandRequests.WithLabelValues(kind).Inc()
	}
}

// IncCommandResult increments command result counter.
func IncCommandResult(status, errorKind string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status, errorKind).Inc()
	}
}

// IncCommandRetry counts a retry caused by classification.
func IncCommandRetry(classification string) {
	if commandRetries != nil {
		commandRetries.WithLabelValues(classification).Inc()
	}
}

// ObserveCommandAttempts records attempts used by a completed command.
func ObserveCommandAttempts(attempts int) {
	if attempts <= 0 {
		return
	}
	if commandAttempts != nil {
		commandAttempts.Observe(float64(attempts))
	}
}

// SetQueueDepth sets the current queue depth.
func SetQueueDepth(depth int) {
	if queueDepth != nil {
		queueDepth.Set(float64(depth))
	}
}

// ObserveTransport records a device API call.
func ObserveTransport(command, classification string, duration time.Duration) {
	result := resultSuccess
	if classification != "" {
		result = resultError
		if transportErrors != nil {
			transportErrors.WithLabelValues(classification).Inc()
		}
	}
	if transportLatency != nil {
		transportLatency.WithLabelValues(command, result).Observe(duration.Seconds())
	}
}

// IncSessionAuth counts an authentication exchange.
func IncSessionAuth(result string) {
	if result == "" {
		result = resultSuccess
	}
	if sessionAuths != nil {
		sessionAuths.WithLabelValues(result).Inc()
	}
}

// ObserveHistoryExport records export latency and result.
func ObserveHistoryExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if historyExportTotal != nil {
		historyExportTotal.WithLabelValues(format, result).Inc()
	}
	if historyExportLatency != nil {
		historyExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)

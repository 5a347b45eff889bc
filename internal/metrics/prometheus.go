package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the liquidator.
// Record methods are safe on a nil receiver so components may run without metrics.
type PrometheusMetrics struct {
	// Indexer metrics
	TransactionsIndexedTotal *prometheus.CounterVec
	TransactionsSkippedTotal *prometheus.CounterVec
	DecodeErrorsTotal        *prometheus.CounterVec
	AccountUpsertsTotal      prometheus.Counter
	StateReadRetriesTotal    prometheus.Counter
	IndexerCursor            prometheus.Gauge
	HistoryRequestsTotal     *prometheus.CounterVec
	HistoryRequestDuration   prometheus.Histogram

	// Task metrics
	TaskTransitionsTotal  *prometheus.CounterVec
	DispatchAttemptsTotal *prometheus.CounterVec
	BotBalance            *prometheus.GaugeVec
	BlacklistedTotal      prometheus.Counter
	JobRunsTotal          *prometheus.CounterVec
	JobDuration           *prometheus.HistogramVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// Notification metrics
	NotificationsSentTotal    *prometheus.CounterVec
	NotificationFailuresTotal *prometheus.CounterVec
	NotificationDuration      *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates the metrics and registers them on reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		TransactionsIndexedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liquidator_transactions_indexed_total",
				Help: "Transactions recorded by the indexer, by operation kind",
			},
			[]string{"kind"},
		),

		TransactionsSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liquidator_transactions_skipped_total",
				Help: "Transactions the indexer skipped after recording them",
			},
			[]string{"reason"},
		),

		DecodeErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liquidator_decode_errors_total",
				Help: "Cell decode failures",
			},
			[]string{"kind"},
		),

		AccountUpsertsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "liquidator_account_upserts_total",
				Help: "Account rows inserted or updated by the indexer",
			},
		),

		StateReadRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "liquidator_state_read_retries_total",
				Help: "Transient failures while reading account state",
			},
		),

		IndexerCursor: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "liquidator_indexer_cursor_lt",
				Help: "Logical time watermark used for the next history page",
			},
		),

		HistoryRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liquidator_history_requests_total",
				Help: "Requests made to the transaction history API",
			},
			[]string{"status"},
		),

		HistoryRequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "liquidator_history_request_duration_seconds",
				Help:    "Duration of transaction history requests",
				Buckets: prometheus.DefBuckets,
			},
		),

		TaskTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liquidator_task_transitions_total",
				Help: "Liquidation task state transitions, by target state",
			},
			[]string{"state"},
		),

		DispatchAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liquidator_dispatch_attempts_total",
				Help: "Liquidation submissions, by loan asset and outcome",
			},
			[]string{"asset", "status"},
		),

		BotBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "liquidator_bot_balance",
				Help: "Bot balance per asset in smallest units",
			},
			[]string{"asset"},
		),

		BlacklistedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "liquidator_wallets_blacklisted_total",
				Help: "Wallets blacklisted after repeated failed liquidations",
			},
		),

		JobRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liquidator_job_runs_total",
				Help: "Scheduled job invocations, by job and outcome",
			},
			[]string{"job", "status"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "liquidator_job_duration_seconds",
				Help:    "Duration of scheduled job invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liquidator_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "liquidator_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		NotificationsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liquidator_notifications_sent_total",
				Help: "Total number of alerts delivered",
			},
			[]string{"channel", "kind"},
		),

		NotificationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liquidator_notification_failures_total",
				Help: "Total number of alert delivery failures",
			},
			[]string{"channel", "kind"},
		),

		NotificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "liquidator_notification_duration_seconds",
				Help:    "Time spent delivering alerts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liquidator_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "liquidator_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "liquidator_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "liquidator_component_health",
				Help: "Health status of components (1 = healthy, 0 = unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "liquidator_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "liquidator_goroutines",
				Help: "Current number of goroutines",
			},
		),
	}
}

// RecordTransactionIndexed records a transaction accepted by the indexer
func (m *PrometheusMetrics) RecordTransactionIndexed(kind string) {
	if m == nil {
		return
	}
	m.TransactionsIndexedTotal.WithLabelValues(kind).Inc()
}

// RecordTransactionSkipped records a transaction dropped after recording
func (m *PrometheusMetrics) RecordTransactionSkipped(reason string) {
	if m == nil {
		return
	}
	m.TransactionsSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordDecodeError records a cell decode failure
func (m *PrometheusMetrics) RecordDecodeError(kind string) {
	if m == nil {
		return
	}
	m.DecodeErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordAccountUpsert records an account write
func (m *PrometheusMetrics) RecordAccountUpsert() {
	if m == nil {
		return
	}
	m.AccountUpsertsTotal.Inc()
}

// RecordStateReadRetry records a transient state read failure
func (m *PrometheusMetrics) RecordStateReadRetry() {
	if m == nil {
		return
	}
	m.StateReadRetriesTotal.Inc()
}

// UpdateIndexerCursor updates the cursor gauge
func (m *PrometheusMetrics) UpdateIndexerCursor(lt uint64) {
	if m == nil {
		return
	}
	m.IndexerCursor.Set(float64(lt))
}

// RecordHistoryRequest records a history API call
func (m *PrometheusMetrics) RecordHistoryRequest(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HistoryRequestsTotal.WithLabelValues(status).Inc()
	m.HistoryRequestDuration.Observe(duration.Seconds())
}

// RecordTaskTransition records n tasks moved into state
func (m *PrometheusMetrics) RecordTaskTransition(state string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TaskTransitionsTotal.WithLabelValues(state).Add(float64(n))
}

// RecordDispatch records a liquidation submission
func (m *PrometheusMetrics) RecordDispatch(asset, status string) {
	if m == nil {
		return
	}
	m.DispatchAttemptsTotal.WithLabelValues(asset, status).Inc()
}

// UpdateBotBalance updates the balance gauge for asset
func (m *PrometheusMetrics) UpdateBotBalance(asset string, amount float64) {
	if m == nil {
		return
	}
	m.BotBalance.WithLabelValues(asset).Set(amount)
}

// RecordBlacklisted records newly blacklisted wallets
func (m *PrometheusMetrics) RecordBlacklisted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BlacklistedTotal.Add(float64(n))
}

// RecordJobRun records a scheduled job invocation
func (m *PrometheusMetrics) RecordJobRun(job, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordNotificationSent records a delivered alert
func (m *PrometheusMetrics) RecordNotificationSent(channel, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.NotificationsSentTotal.WithLabelValues(channel, kind).Inc()
	m.NotificationDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordNotificationFailure records a failed alert delivery
func (m *PrometheusMetrics) RecordNotificationFailure(channel, kind string) {
	if m == nil {
		return
	}
	m.NotificationFailuresTotal.WithLabelValues(channel, kind).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

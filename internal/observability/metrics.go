package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the service's Prometheus metrics.
//
// It tracks:
//   - HTTP request counts and latencies per route
//   - Metric calculations, their duration and the rows they evaluated
//   - Dataset validation failures by issue code
//   - Saved-analysis store queries
//   - Embedding and judge calls made to external providers
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordCalculation("success", 120, time.Since(start).Seconds())
type Metrics struct {
	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 30s
	HTTPRequestDuration *prometheus.HistogramVec

	// CalculationCounter counts metric calculations.
	// Labels: status (success|error|cancelled)
	CalculationCounter *prometheus.CounterVec

	// CalculationDuration measures end-to-end calculation time in seconds.
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s, 300s
	CalculationDuration prometheus.Histogram

	// RowsEvaluated counts dataset rows that went through the calculator.
	RowsEvaluated prometheus.Counter

	// ValidationFailures counts dataset issues of severity ERROR.
	// Labels: code (EMPTY_FILE|MISSING_COLUMN|...)
	ValidationFailures *prometheus.CounterVec

	// StoreQueryCounter counts saved-analysis store operations.
	// Labels: operation (create|get|list|delete|prune), status (success|error)
	StoreQueryCounter *prometheus.CounterVec

	// StoreQueryDuration measures store operation latency.
	// Labels: operation
	StoreQueryDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts calls to embedding and judge providers.
	// Labels: provider, kind (embedding|judge), status (success|error)
	ProviderRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragmetrics_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ragmetrics_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path", "status_code"},
		),

		CalculationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragmetrics_calculations_total",
				Help: "Total number of metric calculations",
			},
			[]string{"status"},
		),

		CalculationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ragmetrics_calculation_duration_seconds",
				Help:    "Metric calculation duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),

		RowsEvaluated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ragmetrics_rows_evaluated_total",
				Help: "Total number of dataset rows evaluated",
			},
		),

		ValidationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragmetrics_validation_failures_total",
				Help: "Total number of dataset validation errors by code",
			},
			[]string{"code"},
		),

		StoreQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragmetrics_store_queries_total",
				Help: "Total number of saved-analysis store queries",
			},
			[]string{"operation", "status"},
		),

		StoreQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ragmetrics_store_query_duration_seconds",
				Help:    "Saved-analysis store query latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ragmetrics_provider_requests_total",
				Help: "Total number of embedding and judge provider requests",
			},
			[]string{"provider", "kind", "status"},
		),
	}
}

// RecordHTTPRequest records an HTTP request with its status and duration.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordCalculation records a finished calculation.
// rows is only added to RowsEvaluated on success.
func (m *Metrics) RecordCalculation(status string, rows int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CalculationCounter.WithLabelValues(status).Inc()
	m.CalculationDuration.Observe(durationSeconds)
	if status == "success" && rows > 0 {
		m.RowsEvaluated.Add(float64(rows))
	}
}

// RecordValidationFailure increments the failure counter for an issue code.
func (m *Metrics) RecordValidationFailure(code string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(code).Inc()
}

// RecordStoreQuery records a store operation.
func (m *Metrics) RecordStoreQuery(operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StoreQueryCounter.WithLabelValues(operation, status).Inc()
	m.StoreQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordProviderRequest records an embedding or judge call.
func (m *Metrics) RecordProviderRequest(provider, kind, status string) {
	if m == nil {
		return
	}
	m.ProviderRequestCounter.WithLabelValues(provider, kind, status).Inc()
}

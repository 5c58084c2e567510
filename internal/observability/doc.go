// Package observability provides logging, metrics and tracing for the
// RAG Metrics Calculator.
//
// # Logging
//
// Logger wraps log/slog. Messages and values are passed through a set of
// redaction patterns (API keys, bearer tokens, DSN passwords) before they
// are written. The request, analysis and dataset IDs stored in the context
// with AddRequestID, AddAnalysisID and AddDatasetID are attached to every
// record automatically.
//
// # Metrics
//
// Metrics registers Prometheus collectors for HTTP traffic, calculations,
// validation failures, store queries and provider calls. Pass a dedicated
// prometheus.Registry in tests to avoid duplicate registration.
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordValidationFailure("MISSING_COLUMN")
//
// # Tracing
//
// Tracer exports OpenTelemetry spans over OTLP/gRPC when an endpoint is
// configured and is a no-op otherwise.
package observability

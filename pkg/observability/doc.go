// Package observability provides structured logging, Prometheus metrics, OpenTelemetry
// tracing, health checks and graceful shutdown for tenantguard.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("batch_id", batchID).Info("audit batch appended")
//
// Request-scoped loggers pick up the request, principal and organization ids
// stored in the context:
//
//	observability.FromContext(ctx).Warn("decision cache bypassed")
//
// Never log snapshots, raw sensitive values or secrets.
//
// # Prometheus Metrics
//
// NewMetrics registers the tenantguard_* collectors. Components receive a
// *Metrics and call its Record helpers, which are no-ops on a nil receiver.
//
// # Tracing
//
// InitOTel configures OTLP gRPC exporters. Packages create spans through
// package-level tracers obtained from otel.Tracer.
package observability

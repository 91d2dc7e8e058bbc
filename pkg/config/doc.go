// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings, and serves the operator policy file.
//
// # Configuration Structure
//
// Server settings:
//
//	TENANTGUARD_HOST="0.0.0.0"
//	TENANTGUARD_PORT="8080"
//	TENANTGUARD_HEALTH_PORT="9090"
//	TENANTGUARD_READ_TIMEOUT="15s"
//	TENANTGUARD_WRITE_TIMEOUT="15s"
//	TENANTGUARD_RATE_LIMIT_REQUESTS="600"   # per principal per window, 0 disables
//	TENANTGUARD_RATE_LIMIT_WINDOW="1m"
//	TENANTGUARD_RATE_LIMIT_BURST="50"
//
// Storage settings:
//
//	TENANTGUARD_DB_DIALECT="postgres"  # postgres, sqlite3
//	TENANTGUARD_POSTGRES_URL="postgres://localhost/tenantguard"
//	TENANTGUARD_POSTGRES_MAX_CONNS="20"
//	TENANTGUARD_REDIS_URL="redis://localhost:6379"
//	TENANTGUARD_S3_BUCKET="tenantguard-audit"
//	TENANTGUARD_S3_REGION="us-east-1"
//
// Authorization and audit:
//
//	TENANTGUARD_DECISION_CACHE_SIZE="10000"
//	TENANTGUARD_DECISION_CACHE_TTL="1m"
//	TENANTGUARD_ROLLBACK_TTL="168h"
//	TENANTGUARD_RECLAIM_SCHEDULE="@hourly"
//	TENANTGUARD_ARCHIVE_ENABLED="true"
//	TENANTGUARD_ARCHIVE_SCHEDULE="@daily"
//
// Anomaly detection, masking and drift:
//
//	TENANTGUARD_BASELINE_WINDOW="2160h"
//	TENANTGUARD_BASELINE_MIN_SAMPLES="20"
//	TENANTGUARD_BASELINE_REDIS="true"
//	TENANTGUARD_DETECTOR_HIGH_MULTIPLIER="5"
//	TENANTGUARD_DETECTOR_CRITICAL_MULTIPLIER="20"
//	TENANTGUARD_MASKING_BUCKET_WIDTH="10"
//	TENANTGUARD_MASKING_DISTRIBUTION_QUERY="SELECT amount FROM invoices WHERE org_id = $1 AND category = $2"
//	TENANTGUARD_MASKING_RECORD_QUERY="SELECT category, amount FROM invoices WHERE org_id = $1 AND id = $2"
//	TENANTGUARD_DRIFT_MIN_SIZE="5"
//	TENANTGUARD_DRIFT_MIN_SHARE="0.3"
//	TENANTGUARD_DRIFT_SCHEDULE="@daily"
//	TENANTGUARD_POLICY_FILE="/etc/tenantguard/policy.yaml"
//
// Observability settings:
//
//	TENANTGUARD_LOG_LEVEL="info"  # debug, info, warn, error
//	TENANTGUARD_METRICS_ENABLED="true"
//	TENANTGUARD_OTEL_ENABLED="true"
//	TENANTGUARD_OTEL_ENDPOINT="otel-collector:4317"
//	TENANTGUARD_OTEL_SAMPLE_RATIO="0.1"
//
// # Operator Policy
//
// Auto-containment is off unless the policy file turns it on for an
// organization. PolicyWatcher reloads the file when it changes and keeps the
// previous policy if the new one does not parse.
//
//	w, err := config.NewPolicyWatcher(cfg.PolicyFile, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	go w.Run(ctx)
//	monitor := anomaly.NewMonitor(..., w, gate, ...)
package config

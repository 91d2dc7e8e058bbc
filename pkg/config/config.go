package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/anomaly"
	"github.com/platinummonkey/tenantguard/pkg/api"
	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/baseline"
	"github.com/platinummonkey/tenantguard/pkg/drift"
	"github.com/platinummonkey/tenantguard/pkg/masking"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Observability configuration
	Observability ObservabilityConfig

	Evaluator EvaluatorConfig
	Audit     AuditConfig
	Baseline  BaselineConfig
	Detector  anomaly.DetectorConfig
	Masking   MaskingConfig
	Drift     DriftConfig

	// PolicyFile is the operator policy YAML. Empty disables containment.
	PolicyFile string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s health checks)
	HealthPort string

	// Per-principal throttling of /v1; zero requests disables it
	RateLimit api.RateLimitConfig
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// EvaluatorConfig sizes the permission decision cache
type EvaluatorConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// AuditConfig holds rollback and archive settings
type AuditConfig struct {
	RollbackTTL time.Duration

	// Cron specs
	ReclaimSchedule string
	ArchiveSchedule string

	ArchiveEnabled bool
	// ArchiveWindow is how far behind now the archived day lies
	ArchiveWindow time.Duration
}

// BaselineConfig holds the baseline window and the async update pool
type BaselineConfig struct {
	baseline.Config

	// Redis stores baselines in Storage.RedisURL instead of memory
	Redis bool

	Workers   int
	QueueSize int
	Attempts  int
	Backoff   time.Duration
}

// MaskingConfig holds indicator settings and the source of category
// distributions
type MaskingConfig struct {
	masking.Config

	// DistributionQuery selects one numeric column of a category's values,
	// taking the organization id as $1 and the category as $2. Empty
	// disables the reveal route.
	DistributionQuery string
	// RecordQuery selects the category and value of one record, taking the
	// organization id as $1 and the record id as $2. Required with
	// DistributionQuery.
	RecordQuery string
	CacheSize   int
	CacheTTL    time.Duration
}

// DriftConfig holds drift thresholds and the scan schedule
type DriftConfig struct {
	drift.Config

	// Schedule is the cron spec of the periodic drift scan. Empty disables it.
	Schedule string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Observability: loadObservabilityConfig(),
		Evaluator:     loadEvaluatorConfig(),
		Audit:         loadAuditConfig(),
		Baseline:      loadBaselineConfig(),
		Detector:      loadDetectorConfig(),
		Masking:       loadMaskingConfig(),
		Drift:         loadDriftConfig(),
		PolicyFile:    getEnv("TENANTGUARD_POLICY_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TENANTGUARD_HOST", "0.0.0.0"),
		Port:            getEnv("TENANTGUARD_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TENANTGUARD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TENANTGUARD_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TENANTGUARD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TENANTGUARD_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TENANTGUARD_HEALTH_PORT", "9090"),
		RateLimit:       loadRateLimitConfig(),
	}
}

func loadRateLimitConfig() api.RateLimitConfig {
	cfg := api.DefaultRateLimitConfig()
	cfg.RequestsPerWindow = getEnvInt("TENANTGUARD_RATE_LIMIT_REQUESTS", cfg.RequestsPerWindow)
	cfg.Window = getEnvDuration("TENANTGUARD_RATE_LIMIT_WINDOW", cfg.Window)
	cfg.Burst = getEnvInt("TENANTGUARD_RATE_LIMIT_BURST", cfg.Burst)
	return cfg
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if dialect := getEnv("TENANTGUARD_DB_DIALECT", ""); dialect != "" {
		cfg.Dialect = storage.Dialect(strings.ToLower(dialect))
	}

	// PostgreSQL config
	if pgURL := getEnv("TENANTGUARD_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("TENANTGUARD_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = splitList(replicaURLs)
	}
	if maxConns := getEnvInt("TENANTGUARD_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TENANTGUARD_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TENANTGUARD_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	if lifetime := getEnvDuration("TENANTGUARD_POSTGRES_MAX_LIFETIME", 0); lifetime > 0 {
		cfg.PostgresMaxLifetime = lifetime
	}

	// S3 config
	cfg.S3Endpoint = getEnv("TENANTGUARD_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("TENANTGUARD_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("TENANTGUARD_S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = getEnv("TENANTGUARD_S3_PREFIX", cfg.S3Prefix)
	cfg.S3AccessKey = getEnv("TENANTGUARD_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("TENANTGUARD_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("TENANTGUARD_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	// Redis config
	if redisURL := getEnv("TENANTGUARD_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("TENANTGUARD_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("TENANTGUARD_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("TENANTGUARD_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("TENANTGUARD_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("TENANTGUARD_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TENANTGUARD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TENANTGUARD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TENANTGUARD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TENANTGUARD_OTEL_SERVICE_NAME", "tenantguard"),
		OTelServiceVersion: getEnv("TENANTGUARD_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TENANTGUARD_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("TENANTGUARD_OTEL_SAMPLE_RATIO", 1),
	}
}

func loadEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		CacheSize: getEnvInt("TENANTGUARD_DECISION_CACHE_SIZE", 10000),
		CacheTTL:  getEnvDuration("TENANTGUARD_DECISION_CACHE_TTL", time.Minute),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		RollbackTTL:     getEnvDuration("TENANTGUARD_ROLLBACK_TTL", audit.DefaultRollbackTTL),
		ReclaimSchedule: getEnv("TENANTGUARD_RECLAIM_SCHEDULE", "@hourly"),
		ArchiveSchedule: getEnv("TENANTGUARD_ARCHIVE_SCHEDULE", "@daily"),
		ArchiveEnabled:  getEnvBool("TENANTGUARD_ARCHIVE_ENABLED", false),
		ArchiveWindow:   getEnvDuration("TENANTGUARD_ARCHIVE_WINDOW", 24*time.Hour),
	}
}

func loadBaselineConfig() BaselineConfig {
	d := baseline.DefaultConfig()
	return BaselineConfig{
		Config: baseline.Config{
			Window:                getEnvDuration("TENANTGUARD_BASELINE_WINDOW", d.Window),
			MinSamples:            getEnvInt("TENANTGUARD_BASELINE_MIN_SAMPLES", d.MinSamples),
			FullConfidenceSamples: getEnvInt("TENANTGUARD_BASELINE_FULL_CONFIDENCE_SAMPLES", d.FullConfidenceSamples),
		},
		Redis:     getEnvBool("TENANTGUARD_BASELINE_REDIS", false),
		Workers:   getEnvInt("TENANTGUARD_BASELINE_WORKERS", 4),
		QueueSize: getEnvInt("TENANTGUARD_BASELINE_QUEUE_SIZE", 1024),
		Attempts:  getEnvInt("TENANTGUARD_BASELINE_ATTEMPTS", 3),
		Backoff:   getEnvDuration("TENANTGUARD_BASELINE_BACKOFF", 100*time.Millisecond),
	}
}

func loadDetectorConfig() anomaly.DetectorConfig {
	d := anomaly.DefaultDetectorConfig()
	return anomaly.DetectorConfig{
		HighMultiplier:           getEnvFloat("TENANTGUARD_DETECTOR_HIGH_MULTIPLIER", d.HighMultiplier),
		CriticalMultiplier:       getEnvFloat("TENANTGUARD_DETECTOR_CRITICAL_MULTIPLIER", d.CriticalMultiplier),
		UnusualStart:             getEnvInt("TENANTGUARD_DETECTOR_UNUSUAL_START", d.UnusualStart),
		UnusualEnd:               getEnvInt("TENANTGUARD_DETECTOR_UNUSUAL_END", d.UnusualEnd),
		BypassPredicateThreshold: getEnvInt("TENANTGUARD_DETECTOR_BYPASS_PREDICATES", d.BypassPredicateThreshold),
	}
}

func loadMaskingConfig() MaskingConfig {
	d := masking.DefaultConfig()
	return MaskingConfig{
		Config: masking.Config{
			BucketWidth:   getEnvInt("TENANTGUARD_MASKING_BUCKET_WIDTH", d.BucketWidth),
			MinPopulation: getEnvInt("TENANTGUARD_MASKING_MIN_POPULATION", d.MinPopulation),
		},
		DistributionQuery: getEnv("TENANTGUARD_MASKING_DISTRIBUTION_QUERY", ""),
		RecordQuery:       getEnv("TENANTGUARD_MASKING_RECORD_QUERY", ""),
		CacheSize:         getEnvInt("TENANTGUARD_MASKING_CACHE_SIZE", 256),
		CacheTTL:          getEnvDuration("TENANTGUARD_MASKING_CACHE_TTL", time.Minute),
	}
}

func loadDriftConfig() DriftConfig {
	d := drift.DefaultConfig()
	return DriftConfig{
		Config: drift.Config{
			MinSize:      getEnvInt("TENANTGUARD_DRIFT_MIN_SIZE", d.MinSize),
			MinShare:     getEnvFloat("TENANTGUARD_DRIFT_MIN_SHARE", d.MinShare),
			NamerTimeout: getEnvDuration("TENANTGUARD_DRIFT_NAMER_TIMEOUT", d.NamerTimeout),
		},
		Schedule: getEnv("TENANTGUARD_DRIFT_SCHEDULE", "@daily"),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.RateLimit.RequestsPerWindow > 0 && c.Server.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}

	switch c.Storage.Dialect {
	case storage.DialectPostgres, storage.DialectSQLite:
	default:
		return fmt.Errorf("invalid database dialect: %s (must be postgres or sqlite3)", c.Storage.Dialect)
	}
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Audit.ArchiveEnabled && c.Storage.S3Bucket == "" {
		return fmt.Errorf("S3 bucket is required when audit archiving is enabled")
	}
	if c.Baseline.Redis && c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required for the redis baseline store")
	}

	if c.Evaluator.CacheSize <= 0 {
		return fmt.Errorf("decision cache size must be positive")
	}
	if c.Audit.RollbackTTL <= 0 {
		return fmt.Errorf("rollback TTL must be positive")
	}
	if c.Baseline.MinSamples <= 0 || c.Baseline.FullConfidenceSamples < c.Baseline.MinSamples {
		return fmt.Errorf("baseline samples: need 0 < min (%d) <= full confidence (%d)",
			c.Baseline.MinSamples, c.Baseline.FullConfidenceSamples)
	}
	if c.Detector.HighMultiplier <= 1 || c.Detector.CriticalMultiplier <= c.Detector.HighMultiplier {
		return fmt.Errorf("detector multipliers: need 1 < high (%g) < critical (%g)",
			c.Detector.HighMultiplier, c.Detector.CriticalMultiplier)
	}
	if !validHour(c.Detector.UnusualStart) || !validHour(c.Detector.UnusualEnd) {
		return fmt.Errorf("unusual hours must be within 0-23")
	}
	if c.Masking.BucketWidth <= 0 || 100%c.Masking.BucketWidth != 0 {
		return fmt.Errorf("masking bucket width %d must divide 100", c.Masking.BucketWidth)
	}
	if (c.Masking.DistributionQuery == "") != (c.Masking.RecordQuery == "") {
		return fmt.Errorf("masking distribution and record queries must be set together")
	}
	if c.Drift.MinShare <= 0 || c.Drift.MinShare > 1 {
		return fmt.Errorf("drift minimum share %g must be within (0, 1]", c.Drift.MinShare)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func validHour(h int) bool { return h >= 0 && h < 24 }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantguard/pkg/anomaly"
	"github.com/platinummonkey/tenantguard/pkg/api"
	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/baseline"
	"github.com/platinummonkey/tenantguard/pkg/config"
	"github.com/platinummonkey/tenantguard/pkg/drift"
	"github.com/platinummonkey/tenantguard/pkg/gate"
	"github.com/platinummonkey/tenantguard/pkg/masking"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
	"github.com/platinummonkey/tenantguard/pkg/storage"
	"github.com/platinummonkey/tenantguard/pkg/storage/postgres"
)

var version = "dev"

var (
	migrateOnly = flag.Bool("migrate-only", false, "Apply schema migrations, seed built-in roles and exit")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := setupLogger(cfg.Observability.LogLevel.String())
	log.WithField("version", version).Info("Starting tenantguard")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatalf("tenantguard exited: %v", err)
	}
	log.Info("tenantguard stopped")
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// components holds everything run wires together
type components struct {
	redis     *redis.Client
	events    *audit.EventStore
	gate      *gate.Gate
	tracker   *baseline.AsyncTracker
	monitor   *anomaly.Monitor
	analyzer  *drift.Analyzer
	archiver  *audit.Archiver
	watcher   *config.PolicyWatcher
	health    *observability.HealthChecker
	server    *api.Server
	directory *orgs.Store
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	conns, err := postgres.NewConnectionManager(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := storage.RunMigrations(ctx, conns.Primary(), cfg.Storage.Dialect); err != nil {
		conns.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := rbac.NewStore(conns.Primary()).SeedBuiltIns(ctx); err != nil {
		conns.Close()
		return fmt.Errorf("failed to seed built-in roles: %w", err)
	}
	log.WithField("dialect", cfg.Storage.Dialect).Info("Schema is up to date")
	if *migrateOnly {
		return conns.Close()
	}
	conns.StartHealthCheckRoutine(ctx, 30*time.Second, metrics)

	c, err := wire(ctx, cfg, conns, metrics, logger)
	if err != nil {
		conns.Close()
		return err
	}

	scheduler, err := schedule(cfg, c, logger)
	if err != nil {
		conns.Close()
		return err
	}
	scheduler.Start()

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	ops := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           opsRouter(cfg, c.health, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("ops-server", ops.Shutdown)
	shutdown.Register("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.Register("anomaly-monitor", func(ctx context.Context) error {
		// scoring drains before the baseline updates it submits
		if err := c.monitor.Shutdown(remaining(ctx)); err != nil {
			return err
		}
		return c.tracker.Shutdown(remaining(ctx))
	})
	if c.watcher != nil {
		shutdown.Register("policy-watcher", func(context.Context) error { return c.watcher.Close() })
	}
	if c.redis != nil {
		shutdown.Register("redis", func(context.Context) error { return c.redis.Close() })
	}
	shutdown.Register("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otel, logger)
	})

	serveErr := make(chan error, 2)
	go func() {
		log.WithField("addr", addr).Info("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		log.WithField("addr", ops.Addr).Info("Health and metrics server listening")
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("ops server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case runErr = <-serveErr:
		log.WithError(runErr).Error("Server failed, shutting down")
	}

	if err := shutdown.Shutdown(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	// connections close last, after every component using them has stopped
	if err := conns.Close(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// wire builds the components on top of an open, migrated database
func wire(ctx context.Context, cfg *config.Config, conns *postgres.ConnectionManager,
	metrics *observability.Metrics, logger *observability.Logger) (*components, error) {

	c := &components{directory: orgs.NewStore(conns.Primary())}

	evaluator := rbac.NewEvaluator(conns.Primary(), rbac.EvaluatorOptions{
		CacheSize: cfg.Evaluator.CacheSize,
		CacheTTL:  cfg.Evaluator.CacheTTL,
		Metrics:   metrics,
		Logger:    logger,
	})
	c.events = audit.NewEventStore(conns.Primary(), audit.Options{
		Dialect: cfg.Storage.Dialect,
		Scope:   c.directory,
		Metrics: metrics,
		Logger:  logger,
	})
	c.gate = gate.New(conns.Primary(), evaluator, c.events, gate.Options{
		RollbackTTL: cfg.Audit.RollbackTTL,
		Logger:      logger,
	})

	var store baseline.Store = baseline.NewMemoryStore()
	if cfg.Baseline.Redis {
		client, err := postgres.NewRedisClient(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.redis = client
		store = baseline.NewRedisStore(client, "tenantguard:baseline:", cfg.Baseline.Window)
	}
	tracker := baseline.NewTracker(store, baseline.TrackerOptions{
		Config:  cfg.Baseline.Config,
		Metrics: metrics,
		Logger:  logger,
	})
	c.tracker = baseline.NewAsyncTracker(ctx, tracker, baseline.AsyncOptions{
		Workers:   cfg.Baseline.Workers,
		QueueSize: cfg.Baseline.QueueSize,
		Attempts:  cfg.Baseline.Attempts,
		Backoff:   cfg.Baseline.Backoff,
		Metrics:   metrics,
		Logger:    logger,
	})

	var policy anomaly.ContainmentPolicy
	if cfg.PolicyFile != "" {
		watcher, err := config.NewPolicyWatcher(cfg.PolicyFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy file: %w", err)
		}
		c.watcher = watcher
		policy = watcher
		go func() {
			defer observability.RecoverPanic(logger, "policy watcher")
			watcher.Run(ctx)
		}()
	}

	alerts := anomaly.NewAlertStore(conns.Primary())
	c.monitor = anomaly.NewMonitor(ctx, tracker,
		anomaly.NewDetector(cfg.Detector, cfg.Baseline.Config),
		alerts, c.events, policy, c.gate,
		anomaly.MonitorOptions{
			Workers:   cfg.Baseline.Workers,
			QueueSize: cfg.Baseline.QueueSize,
			Updates:   c.tracker,
			History:   c.events,
			Metrics:   metrics,
			Logger:    logger,
		})

	var maskingPolicy *masking.Policy
	if cfg.Masking.DistributionQuery != "" {
		dist := masking.NewCachedDistribution(
			masking.NewSQLDistribution(conns.Replica(), cfg.Masking.DistributionQuery),
			cfg.Masking.CacheSize, cfg.Masking.CacheTTL)
		records := masking.NewSQLRecordSource(conns.Replica(), cfg.Masking.RecordQuery)
		maskingPolicy = masking.NewPolicy(evaluator, records, dist, c.monitor, masking.PolicyOptions{
			Config:  cfg.Masking.Config,
			Metrics: metrics,
			Logger:  logger,
		})
	}

	c.analyzer = drift.NewAnalyzer(conns.Replica(), c.gate, drift.Options{
		Config:  cfg.Drift.Config,
		Metrics: metrics,
		Logger:  logger,
	})

	c.health = observability.NewHealthChecker(conns.Primary(), c.redis, version)
	c.health.AddCheck("anomaly-queue", c.monitor.CheckQueue)
	if cfg.Audit.ArchiveEnabled {
		objects, err := postgres.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to create archive client: %w", err)
		}
		c.archiver = audit.NewArchiver(c.events, objects, c.directory, cfg.Storage.S3Prefix, logger)
		c.health.AddCheck("s3", objects.HealthCheck)
	}

	var limiter api.Limiter
	if c.redis != nil {
		limiter = api.NewRedisLimiter(c.redis, cfg.Server.RateLimit, "tenantguard:ratelimit")
	} else {
		memory := api.NewMemoryLimiter(cfg.Server.RateLimit)
		if cfg.Server.RateLimit.RequestsPerWindow > 0 {
			memory.StartCleanup(ctx)
		}
		limiter = memory
	}

	c.server = api.NewServer(api.Options{
		Evaluator:   evaluator,
		Gate:        c.gate,
		Drift:       c.analyzer,
		Alerts:      alerts,
		Masking:     maskingPolicy,
		Metrics:     metrics,
		RateLimiter: limiter,
		Logger:      logger,
	})
	return c, nil
}

// schedule registers the periodic maintenance jobs
func schedule(cfg *config.Config, c *components, logger *observability.Logger) (*cron.Cron, error) {
	scheduler := cron.New(cron.WithLocation(time.UTC))

	jobs := map[string]struct {
		spec string
		fn   func(context.Context) error
	}{
		"rollback-reclaim": {cfg.Audit.ReclaimSchedule, func(ctx context.Context) error {
			n, err := c.events.ReclaimExpired(ctx, time.Now().UTC())
			if err == nil && n > 0 {
				logger.WithField("reclaimed", n).Info("Reclaimed rollback records")
			}
			return err
		}},
		"drift-scan": {cfg.Drift.Schedule, func(ctx context.Context) error {
			return scanDrift(ctx, c.directory, c.analyzer, logger)
		}},
	}
	if c.archiver != nil {
		jobs["audit-archive"] = struct {
			spec string
			fn   func(context.Context) error
		}{cfg.Audit.ArchiveSchedule, func(ctx context.Context) error {
			written, err := c.archiver.ArchiveDay(ctx, time.Now().UTC().Add(-cfg.Audit.ArchiveWindow))
			if err == nil {
				logger.WithField("objects", written).Info("Archived audit events")
			}
			return err
		}}
	}

	for name, job := range jobs {
		if job.spec == "" {
			logger.WithField("job", name).Info("Job disabled")
			continue
		}
		name, fn := name, job.fn
		if _, err := scheduler.AddFunc(job.spec, func() {
			observability.RunJob(context.Background(), logger, name, fn)
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", name, err)
		}
		logger.WithFields(map[string]interface{}{"job": name, "schedule": job.spec}).Info("Job scheduled")
	}
	return scheduler, nil
}

// scanDrift analyzes every organization so proposals show up in metrics and
// logs before an administrator asks for them
func scanDrift(ctx context.Context, directory *orgs.Store, analyzer *drift.Analyzer, logger *observability.Logger) error {
	ids, err := directory.AllOrganizationIDs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		patterns, err := analyzer.Analyze(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("organization %d: %w", id, err))
			continue
		}
		if len(patterns) > 0 {
			logger.WithFields(map[string]interface{}{
				"organization_id": id,
				"patterns":        len(patterns),
			}).Info("Role drift detected")
		}
	}
	return errors.Join(errs...)
}

func opsRouter(cfg *config.Config, health *observability.HealthChecker, registry *prometheus.Registry) http.Handler {
	r := mux.NewRouter()
	observability.RegisterHealthRoutes(r, health)
	if cfg.Observability.MetricsEnabled {
		r.Handle("/metrics", observability.MetricsHandler(registry)).Methods(http.MethodGet)
	}
	return r
}

func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return 30 * time.Second
}

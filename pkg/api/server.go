package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tenantguard/pkg/anomaly"
	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/drift"
	"github.com/platinummonkey/tenantguard/pkg/gate"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/masking"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// DefaultMaxBodyBytes bounds /v1 request bodies
const DefaultMaxBodyBytes = 1 << 20

// Options wires the server to its components. Only Evaluator and Gate are
// required; the routes of the others are registered when they are set.
type Options struct {
	Evaluator *rbac.Evaluator
	Gate      *gate.Gate
	Drift     *drift.Analyzer
	Alerts    *anomaly.AlertStore
	Masking   *masking.Policy
	Health    *observability.HealthChecker
	Registry  *prometheus.Registry
	Metrics   *observability.Metrics

	// Humanizer rephrases evaluation explanations; the rule-based text is
	// returned when it is nil, slow or failing
	Humanizer       rbac.Humanizer
	HumanizeTimeout time.Duration

	// RateLimiter throttles /v1 per principal when set
	RateLimiter Limiter

	MaxBodyBytes int64
	Logger       *observability.Logger
}

// Server represents our API server
type Server struct {
	router      *mux.Router
	evaluator   *rbac.Evaluator
	permissions *rbac.PermissionMiddleware
	gate        *gate.Gate
	drift       *drift.Analyzer
	alerts      *anomaly.AlertStore
	masking     *masking.Policy
	humanizer   rbac.Humanizer
	humanizeTTL time.Duration
	logger      *observability.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		router:      mux.NewRouter(),
		evaluator:   opts.Evaluator,
		permissions: rbac.NewPermissionMiddleware(opts.Evaluator),
		gate:        opts.Gate,
		drift:       opts.Drift,
		alerts:      opts.Alerts,
		masking:     opts.Masking,
		humanizer:   opts.Humanizer,
		humanizeTTL: opts.HumanizeTimeout,
		logger:      opts.Logger,
	}
	s.setupRoutes(opts)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(opts Options) {
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware,
		observability.HTTPMetricsMiddleware(opts.Metrics),
	)

	// Operational routes, unauthenticated
	if opts.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(opts.Registry)).Methods(http.MethodGet)
	}
	if opts.Health != nil {
		observability.RegisterHealthRoutes(s.router, opts.Health)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(opts.MaxBodyBytes),
		PrincipalMiddleware,
	)
	if opts.RateLimiter != nil && opts.RateLimiter.Config().RequestsPerWindow > 0 {
		v1.Use(RateLimitMiddleware(opts.RateLimiter, s.logger))
	}

	v1.HandleFunc("/evaluate", s.evaluate).Methods(http.MethodPost)

	// Audit search and export; scope is the requester's organizations
	audit.NewHandlers(s.gate.Events()).RegisterRoutes(v1)
	v1.HandleFunc("/audit/batches/{batch}/rollback", s.rollbackBatch).Methods(http.MethodPost)

	orgs := v1.PathPrefix("/orgs/{org:[0-9]+}").Subrouter()
	if s.drift != nil {
		roles := orgs.NewRoute().Subrouter()
		roles.Use(s.permissions.RequireCapability(capability.ManageRoles))
		roles.HandleFunc("/drift", s.listDrift).Methods(http.MethodGet)
		roles.HandleFunc("/drift/{pattern}/apply", s.applyDrift).Methods(http.MethodPost)
	}
	if s.alerts != nil {
		alerts := orgs.NewRoute().Subrouter()
		alerts.Use(s.permissions.RequireCapability(capability.ViewAudit))
		alerts.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	}
	if s.masking != nil {
		readers := orgs.NewRoute().Subrouter()
		readers.Use(s.permissions.RequireCapability(capability.Read))
		readers.HandleFunc("/reveal", s.reveal).Methods(http.MethodPost)
	}
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped in OpenTelemetry HTTP instrumentation
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "tenantguard.http")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Package api provides the HTTP surface of tenantguard.
//
// # Overview
//
// The API exposes permission evaluation, audit search and export, batch
// rollback, drift review, and anomaly alerts over JSON. Authentication is
// handled upstream: every /v1 request carries the authenticated principal
// in the X-Principal-ID header, and the server only authorizes.
//
// # Routes
//
//	POST /v1/evaluate                          evaluate a capability for the caller
//	GET  /v1/audit/events                      search audit events
//	GET  /v1/audit/events/{id}                 fetch one audit event
//	GET  /v1/audit/export                      export audit events (json, ndjson, csv)
//	POST /v1/audit/batches/{batch}/rollback    roll back an audited batch
//	GET  /v1/orgs/{org}/drift                  list role drift proposals (manage_roles)
//	POST /v1/orgs/{org}/drift/{pattern}/apply  migrate a drift pattern to a role (manage_roles)
//	GET  /v1/orgs/{org}/alerts                 list anomaly alerts (view_audit)
//	POST /v1/orgs/{org}/reveal                 mask sensitive values for the reader (read)
//	GET  /metrics                              Prometheus metrics
//	GET  /healthz, /readyz                     liveness and readiness
//
// The operational routes are registered only when Options.Registry and
// Options.Health are set; the tenantguard binary serves them on a separate
// port instead. With a RateLimiter, /v1 answers 429 once a principal
// exhausts its budget.
//
// # Errors
//
// Authorization failures are rendered by rbac.PermissionMiddleware.WriteError
// so the explanation a caller sees depends on whether they administer the
// organization. Non-members always get the same generic denial.
//
// # Usage
//
//	srv := api.NewServer(api.Options{
//	    Evaluator: evaluator,
//	    Gate:      g,
//	    Drift:     analyzer,
//	    Alerts:    alerts,
//	    Registry:  registry,
//	    Logger:    logger,
//	})
//	http.ListenAndServe(":8080", srv.Handler())
package api

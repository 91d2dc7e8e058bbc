// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteForbidden(w, "Not allowed to export: role \"viewer\" does not grant export.")
//	httputil.WriteGone(w, "this change can no longer be undone")
//
// WriteInternalError logs the cause through the request logger and answers
// with a fixed message, so storage errors never reach a caller.
//
// # Request Parsing
//
//	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org")
//	since, err := httputil.ParseQueryTime(r, "since")
//
// ParseJSON rejects unknown fields.
//
// # Middleware
//
//	r.Use(httputil.RequestIDMiddleware)
//	r.Use(httputil.LoggingMiddleware(logger))
//	r.Use(httputil.RecoveryMiddleware)
package httputil

package api

import (
	"net/http"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// PrincipalHeader carries the id of the principal authenticated upstream
const PrincipalHeader = "X-Principal-ID"

// PrincipalMiddleware puts the principal from PrincipalHeader on the request
// context. Requests without one are rejected.
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(PrincipalHeader)
		if raw == "" {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		principalID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || principalID <= 0 {
			httputil.WriteBadRequest(w, "invalid "+PrincipalHeader+" header")
			return
		}

		ctx := observability.WithPrincipalID(r.Context(), principalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

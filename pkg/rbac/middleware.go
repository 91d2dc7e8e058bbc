package rbac

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// PermissionMiddleware gates HTTP routes on a capability in the organization
// named by the {org} route variable.
type PermissionMiddleware struct {
	evaluator *Evaluator
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(evaluator *Evaluator) *PermissionMiddleware {
	return &PermissionMiddleware{evaluator: evaluator}
}

// RequireCapability rejects requests whose principal lacks c. The principal
// must already be in the request context.
func (pm *PermissionMiddleware) RequireCapability(c capability.Capability) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, ok := observability.GetPrincipalID(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			orgID, err := strconv.ParseInt(mux.Vars(r)["org"], 10, 64)
			if err != nil {
				httputil.WriteBadRequest(w, "invalid organization id")
				return
			}

			decision, err := pm.evaluator.Evaluate(r.Context(), Request{
				PrincipalID:    principalID,
				OrganizationID: orgID,
				Action:         string(c),
			})
			if err != nil {
				pm.WriteError(w, r, err)
				return
			}
			if !decision.Allowed {
				pm.WriteError(w, r, &PermissionDeniedError{Decision: decision})
				return
			}

			ctx := observability.WithOrganizationID(r.Context(), orgID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Audience returns AudienceAdministrator when the principal holds admin in
// the organization, AudienceMember otherwise
func (pm *PermissionMiddleware) Audience(r *http.Request, principalID, orgID int64) Audience {
	d, err := pm.evaluator.Evaluate(r.Context(), Request{
		PrincipalID:    principalID,
		OrganizationID: orgID,
		Action:         string(capability.Admin),
	})
	if err == nil && d.Allowed {
		return AudienceAdministrator
	}
	return AudienceMember
}

// WriteError renders evaluation errors. Non-members get the same response as
// any denial; denied members see only the primary reason and administrators
// see the full chain.
func (pm *PermissionMiddleware) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notMember *NotAMemberError
		denied    *PermissionDeniedError
		config    *ConfigurationError
	)
	switch {
	case errors.As(err, &notMember):
		observability.FromContext(r.Context()).WithError(err).Info("request from non-member")
		httputil.WriteForbidden(w, PublicDenialMessage)
	case errors.As(err, &denied):
		d := denied.Decision
		exp := Explain(d, pm.Audience(r, d.PrincipalID, d.OrganizationID))
		if len(exp.Steps) > 0 {
			httputil.WriteDetailedError(w, http.StatusForbidden, exp.Summary, exp.Steps)
			return
		}
		httputil.WriteForbidden(w, exp.Summary)
	case errors.As(err, &config):
		httputil.WriteBadRequest(w, config.Reason)
	default:
		httputil.WriteInternalError(w, r, err)
	}
}

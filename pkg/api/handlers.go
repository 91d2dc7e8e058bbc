package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/drift"
	"github.com/platinummonkey/tenantguard/pkg/gate"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/masking"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// evaluate handles POST /v1/evaluate. A denial is a normal 200 answer; only
// non-members and malformed requests are errors.
func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	principalID, _ := observability.GetPrincipalID(r.Context())

	var req EvaluateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.OrganizationID <= 0 || req.Action == "" {
		httputil.WriteBadRequest(w, "organization_id and action are required")
		return
	}

	decision, err := s.evaluator.Evaluate(r.Context(), rbac.Request{
		PrincipalID:    principalID,
		OrganizationID: req.OrganizationID,
		Action:         req.Action,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
	})
	if err != nil {
		s.permissions.WriteError(w, r, err)
		return
	}

	audience := s.permissions.Audience(r, principalID, req.OrganizationID)
	resp := EvaluateResponse{
		Allowed:     decision.Allowed,
		Explanation: rbac.Explain(decision, audience),
		Text:        rbac.Humanize(r.Context(), s.humanizer, s.humanizeTTL, decision, audience),
	}
	if audience == rbac.AudienceAdministrator {
		resp.Chain = decision.Chain
	}
	httputil.WriteSuccess(w, resp)
}

// rollbackBatch handles POST /v1/audit/batches/{batch}/rollback
func (s *Server) rollbackBatch(w http.ResponseWriter, r *http.Request) {
	principalID, _ := observability.GetPrincipalID(r.Context())
	batchID, ok := httputil.ParsePathStringOrError(w, r, "batch")
	if !ok {
		return
	}

	var req RollbackRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.OrganizationID <= 0 {
		httputil.WriteBadRequest(w, "organization_id is required")
		return
	}

	batch, err := s.gate.Rollback(r.Context(), gate.Request{
		PrincipalID:    principalID,
		OrganizationID: req.OrganizationID,
		Reason:         req.Reason,
	}, batchID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, RollbackResponse{
		BatchID:    batch.ID,
		RolledBack: batchID,
		Events:     len(batch.Events),
	})
}

// listDrift handles GET /v1/orgs/{org}/drift
func (s *Server) listDrift(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org")
	if !ok {
		return
	}

	patterns, err := s.drift.Analyze(r.Context(), orgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if patterns == nil {
		patterns = []drift.Pattern{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"organization_id": orgID,
		"patterns":        patterns,
	})
}

// applyDrift handles POST /v1/orgs/{org}/drift/{pattern}/apply. The pattern
// is re-derived from current memberships, so a stale id yields 404.
func (s *Server) applyDrift(w http.ResponseWriter, r *http.Request) {
	principalID, _ := observability.GetPrincipalID(r.Context())
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org")
	if !ok {
		return
	}
	patternID, ok := httputil.ParsePathStringOrError(w, r, "pattern")
	if !ok {
		return
	}

	var req ApplyRequest
	if r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	pattern, err := s.drift.Find(r.Context(), orgID, patternID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	role, res, err := s.drift.Apply(r.Context(), gate.Request{
		PrincipalID:    principalID,
		OrganizationID: orgID,
		Reason:         req.Reason,
	}, *pattern)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := ApplyResponse{
		RoleID:   role.ID,
		RoleName: role.Name,
		BatchID:  res.Batch.ID,
		Migrated: len(pattern.Members),
	}
	if res.RollbackExpiresAt != nil {
		resp.RollbackExpiresAt = *res.RollbackExpiresAt
	}
	httputil.WriteCreated(w, resp)
}

// listAlerts handles GET /v1/orgs/{org}/alerts
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org")
	if !ok {
		return
	}
	since, err := httputil.ParseQueryTime(r, "since")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	alerts, err := s.alerts.List(r.Context(), orgID, since, limit)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"organization_id": orgID,
		"alerts":          alerts,
	})
}

// reveal handles POST /v1/orgs/{org}/reveal. Readers without
// view_financials get relative indicators in place of values.
func (s *Server) reveal(w http.ResponseWriter, r *http.Request) {
	principalID, _ := observability.GetPrincipalID(r.Context())
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "org")
	if !ok {
		return
	}

	var req RevealRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.RecordIDs) == 0 {
		httputil.WriteBadRequest(w, "record_ids are required")
		return
	}

	results, err := s.masking.RevealAll(r.Context(), principalID, orgID, req.RecordIDs, masking.AccessContext{
		Origin:             req.Origin,
		ClientSignature:    req.ClientSignature,
		MaskedFieldFilters: req.MaskedFieldFilters,
		MaskedFieldSort:    req.MaskedFieldSort,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, RevealResponse{Results: results})
}

// writeError maps domain errors to status codes and hands authorization
// errors to the permission middleware
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		expired *audit.RollbackExpiredError
		stale   *orgs.StaleOverridesError
	)
	switch {
	case errors.As(err, &expired):
		httputil.WriteGone(w, audit.RollbackExpiredMessage)
	case errors.Is(err, audit.ErrRollbackNotFound), errors.Is(err, drift.ErrPatternNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, audit.ErrRollbackConsumed),
		errors.Is(err, gate.ErrSuperseded),
		errors.Is(err, drift.ErrStalePattern),
		errors.Is(err, orgs.ErrVersionConflict):
		httputil.WriteConflict(w, err.Error())
	case errors.As(err, &stale):
		httputil.WriteConflict(w, stale.Error())
	default:
		s.permissions.WriteError(w, r, err)
	}
}

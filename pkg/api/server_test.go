package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/anomaly"
	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/drift"
	"github.com/platinummonkey/tenantguard/pkg/gate"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/masking"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

func TestPrincipalHeader(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, http.MethodPost, "/v1/evaluate", 0, EvaluateRequest{OrganizationID: e.org.ID, Action: "read"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := EvaluateRequest{OrganizationID: e.org.ID, Action: "read"}
	w = e.do(t, http.MethodPost, "/v1/evaluate", -4, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvaluate(t *testing.T) {
	e := newEnv(t, nil)
	viewer, _ := e.member(t, rbac.RoleViewer, nil)

	t.Run("allowed", func(t *testing.T) {
		w := e.do(t, http.MethodPost, "/v1/evaluate", viewer.ID, EvaluateRequest{OrganizationID: e.org.ID, Action: "read"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp EvaluateResponse
		decode(t, w, &resp)
		assert.True(t, resp.Allowed)
		assert.Equal(t, "Allowed to read.", resp.Text)
	})

	t.Run("denied member sees primary reason only", func(t *testing.T) {
		w := e.do(t, http.MethodPost, "/v1/evaluate", viewer.ID, EvaluateRequest{OrganizationID: e.org.ID, Action: "write"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp EvaluateResponse
		decode(t, w, &resp)
		assert.False(t, resp.Allowed)
		assert.Contains(t, resp.Explanation.Summary, "Not allowed to write")
		assert.Empty(t, resp.Explanation.Steps)
		assert.Empty(t, resp.Chain)
	})

	t.Run("administrator sees the chain", func(t *testing.T) {
		w := e.do(t, http.MethodPost, "/v1/evaluate", e.admin.ID, EvaluateRequest{OrganizationID: e.org.ID, Action: "delete"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp EvaluateResponse
		decode(t, w, &resp)
		assert.True(t, resp.Allowed)
		assert.Len(t, resp.Chain, 5)
		assert.Len(t, resp.Explanation.Steps, 5)
	})

	t.Run("non-member gets the generic denial", func(t *testing.T) {
		outsider, _ := e.member(t, rbac.RoleViewer, nil)
		w := e.do(t, http.MethodPost, "/v1/evaluate", outsider.ID, EvaluateRequest{OrganizationID: e.org.ID + 100, Action: "read"})
		require.Equal(t, http.StatusForbidden, w.Code)

		var body httputil.ErrorResponse
		decode(t, w, &body)
		assert.Equal(t, rbac.PublicDenialMessage, body.Error)
	})

	t.Run("unknown action", func(t *testing.T) {
		w := e.do(t, http.MethodPost, "/v1/evaluate", viewer.ID, EvaluateRequest{OrganizationID: e.org.ID, Action: "launch"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := e.do(t, http.MethodPost, "/v1/evaluate", viewer.ID, EvaluateRequest{Action: "read"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestEvaluate_Humanizer(t *testing.T) {
	t.Run("rephrased", func(t *testing.T) {
		e := newEnv(t, humanizerFunc(func(_ context.Context, _ *rbac.Decision, text string) (string, error) {
			return "Yes, go ahead.", nil
		}))
		w := e.do(t, http.MethodPost, "/v1/evaluate", e.admin.ID, EvaluateRequest{OrganizationID: e.org.ID, Action: "read"})
		require.Equal(t, http.StatusOK, w.Code)

		var resp EvaluateResponse
		decode(t, w, &resp)
		assert.Equal(t, "Yes, go ahead.", resp.Text)
	})

	t.Run("falls back to rule text", func(t *testing.T) {
		e := newEnv(t, humanizerFunc(func(context.Context, *rbac.Decision, string) (string, error) {
			return "", errors.New("model unavailable")
		}))
		w := e.do(t, http.MethodPost, "/v1/evaluate", e.admin.ID, EvaluateRequest{OrganizationID: e.org.ID, Action: "read"})
		require.Equal(t, http.StatusOK, w.Code)

		var resp EvaluateResponse
		decode(t, w, &resp)
		assert.True(t, resp.Allowed)
		assert.Contains(t, resp.Text, "Allowed to read.")
	})
}

func TestRollbackBatch(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, m := e.member(t, rbac.RoleViewer, nil)

	change := func(t *testing.T, roleName string) string {
		t.Helper()
		req := gate.Request{PrincipalID: e.admin.ID, OrganizationID: e.org.ID, Reason: "promote"}
		res, err := e.gate.ChangeRole(ctx, req, m.ID, e.role(t, roleName).ID)
		require.NoError(t, err)
		return res.Batch.ID
	}
	path := func(batchID string) string { return "/v1/audit/batches/" + batchID + "/rollback" }

	t.Run("rolls back once", func(t *testing.T) {
		batchID := change(t, rbac.RoleEditor)

		w := e.do(t, http.MethodPost, path(batchID), e.admin.ID, RollbackRequest{OrganizationID: e.org.ID, Reason: "mistake"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp RollbackResponse
		decode(t, w, &resp)
		assert.Equal(t, batchID, resp.RolledBack)
		assert.NotEmpty(t, resp.BatchID)
		assert.GreaterOrEqual(t, resp.Events, 2)

		reloaded, err := e.members.GetMembershipByID(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, e.role(t, rbac.RoleViewer).ID, reloaded.RoleID)

		w = e.do(t, http.MethodPost, path(batchID), e.admin.ID, RollbackRequest{OrganizationID: e.org.ID})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("requires rollback capability", func(t *testing.T) {
		batchID := change(t, rbac.RoleEditor)
		viewer, _ := e.member(t, rbac.RoleViewer, nil)

		w := e.do(t, http.MethodPost, path(batchID), viewer.ID, RollbackRequest{OrganizationID: e.org.ID})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unknown batch", func(t *testing.T) {
		w := e.do(t, http.MethodPost, path("no-such-batch"), e.admin.ID, RollbackRequest{OrganizationID: e.org.ID})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("organization required", func(t *testing.T) {
		w := e.do(t, http.MethodPost, path("whatever"), e.admin.ID, RollbackRequest{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("expired window", func(t *testing.T) {
		batchID := change(t, rbac.RoleFinance)
		e.now = e.now.Add(audit.DefaultRollbackTTL + time.Hour)

		w := e.do(t, http.MethodPost, path(batchID), e.admin.ID, RollbackRequest{OrganizationID: e.org.ID})
		require.Equal(t, http.StatusGone, w.Code)

		var body httputil.ErrorResponse
		decode(t, w, &body)
		assert.Equal(t, audit.RollbackExpiredMessage, body.Error)
	})
}

func TestAuditRoutes(t *testing.T) {
	e := newEnv(t, nil)
	_, m := e.member(t, rbac.RoleViewer, nil)
	_, err := e.gate.ChangeRole(context.Background(),
		gate.Request{PrincipalID: e.admin.ID, OrganizationID: e.org.ID}, m.ID, e.role(t, rbac.RoleEditor).ID)
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/v1/audit/events", e.admin.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page audit.Page
	decode(t, w, &page)
	require.Len(t, page.Events, 1)
	assert.Equal(t, audit.ActionMemberRoleChange, page.Events[0].Action)

	w = e.do(t, http.MethodGet, "/v1/audit/export?format=ndjson", e.admin.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), string(audit.ActionMemberRoleChange))
}

func TestDriftRoutes(t *testing.T) {
	e := newEnv(t, nil)
	exportOverride := capability.Set{capability.Export: true}
	for i := 0; i < 6; i++ {
		e.member(t, rbac.RoleViewer, exportOverride)
	}
	for i := 0; i < 4; i++ {
		e.member(t, rbac.RoleViewer, nil)
	}

	var listed struct {
		Patterns []drift.Pattern `json:"patterns"`
	}
	w := e.do(t, http.MethodGet, e.orgPath("/drift"), e.admin.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &listed)
	require.Len(t, listed.Patterns, 1)
	p := listed.Patterns[0]
	assert.Len(t, p.Members, 6)

	viewer, _ := e.member(t, rbac.RoleViewer, nil)
	w = e.do(t, http.MethodGet, e.orgPath("/drift"), viewer.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPost, e.orgPath("/drift/"+p.ID+"/apply"), e.admin.ID, ApplyRequest{Reason: "tidy up"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var applied ApplyResponse
	decode(t, w, &applied)
	assert.Equal(t, 6, applied.Migrated)
	assert.Equal(t, p.SuggestedName, applied.RoleName)
	assert.NotEmpty(t, applied.BatchID)
	assert.True(t, applied.RollbackExpiresAt.After(e.now))

	// The overrides were cleared, so the pattern no longer exists
	w = e.do(t, http.MethodPost, e.orgPath("/drift/"+p.ID+"/apply"), e.admin.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/v1/audit/batches/"+applied.BatchID+"/rollback", e.admin.ID,
		RollbackRequest{OrganizationID: e.org.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodGet, e.orgPath("/drift"), e.admin.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &listed)
	require.Len(t, listed.Patterns, 1)
	assert.Equal(t, p.ID, listed.Patterns[0].ID)
}

func TestAlertRoutes(t *testing.T) {
	e := newEnv(t, nil)
	viewer, _ := e.member(t, rbac.RoleViewer, nil)
	require.NoError(t, e.alerts.Insert(context.Background(), &anomaly.Alert{
		ID:                 "a-1",
		PrincipalID:        viewer.ID,
		OrganizationID:     e.org.ID,
		Severity:           anomaly.SeverityHigh,
		Reasons:            []anomaly.Reason{anomaly.ReasonVolumeHigh},
		RecordCount:        900,
		BaselineConfidence: 1,
		CreatedAt:          e.now,
	}))

	var listed struct {
		Alerts []*anomaly.Alert `json:"alerts"`
	}
	w := e.do(t, http.MethodGet, e.orgPath("/alerts"), e.admin.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &listed)
	require.Len(t, listed.Alerts, 1)
	assert.Equal(t, anomaly.SeverityHigh, listed.Alerts[0].Severity)

	w = e.do(t, http.MethodGet, e.orgPath("/alerts?since=")+e.now.Add(time.Hour).Format(time.RFC3339), e.admin.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &listed)
	assert.Empty(t, listed.Alerts)

	w = e.do(t, http.MethodGet, e.orgPath("/alerts?since=yesterday"), e.admin.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, e.orgPath("/alerts"), viewer.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRevealRoute(t *testing.T) {
	e := newEnv(t, nil)
	viewer, _ := e.member(t, rbac.RoleViewer, nil)
	finance, _ := e.member(t, rbac.RoleFinance, nil)
	req := RevealRequest{
		RecordIDs: []string{"inv-7"},
		Origin:    "10.0.0.1",
	}

	t.Run("viewer gets an indicator", func(t *testing.T) {
		w := e.do(t, http.MethodPost, e.orgPath("/reveal"), viewer.ID, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp RevealResponse
		decode(t, w, &resp)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, masking.OutcomeIndicator, resp.Results[0].Outcome)
		assert.Nil(t, resp.Results[0].Value)
		require.NotNil(t, resp.Results[0].Indicator)
		assert.Equal(t, "invoice", resp.Results[0].Indicator.Category)
	})

	t.Run("view_financials reveals the value", func(t *testing.T) {
		w := e.do(t, http.MethodPost, e.orgPath("/reveal"), finance.ID, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp RevealResponse
		decode(t, w, &resp)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, masking.OutcomeRevealed, resp.Results[0].Outcome)
		require.NotNil(t, resp.Results[0].Value)
		assert.Equal(t, 1000.0, *resp.Results[0].Value)
	})

	t.Run("every reveal is recorded", func(t *testing.T) {
		require.Len(t, e.access.events, 2)
		assert.Equal(t, viewer.ID, e.access.events[0].PrincipalID)
		assert.Equal(t, 1, e.access.events[0].RecordCount)
		assert.Equal(t, "10.0.0.1", e.access.events[0].Origin)
	})

	t.Run("nothing returned when the access cannot be recorded", func(t *testing.T) {
		e.access.err = errors.New("ledger down")
		defer func() { e.access.err = nil }()

		w := e.do(t, http.MethodPost, e.orgPath("/reveal"), finance.ID, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "1000")
	})

	t.Run("ids without a stored record are withheld", func(t *testing.T) {
		w := e.do(t, http.MethodPost, e.orgPath("/reveal"), viewer.ID, RevealRequest{RecordIDs: []string{"inv-8", "1000"}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp RevealResponse
		decode(t, w, &resp)
		require.Len(t, resp.Results, 2)
		for _, r := range resp.Results {
			assert.Equal(t, masking.OutcomeWithheld, r.Outcome)
			assert.Nil(t, r.Indicator)
		}
	})

	t.Run("records required", func(t *testing.T) {
		w := e.do(t, http.MethodPost, e.orgPath("/reveal"), viewer.ID, RevealRequest{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestOperationalRoutes(t *testing.T) {
	e := newEnv(t, nil)

	// populate at least one labelled series
	e.do(t, http.MethodPost, "/v1/evaluate", e.admin.ID, EvaluateRequest{OrganizationID: e.org.ID, Action: "read"})

	w := e.do(t, http.MethodGet, "/metrics", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tenantguard_http_requests_total")

	w = e.do(t, http.MethodGet, "/healthz", 0, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.NotNil(t, e.server.Handler())
}

package api

import (
	"time"

	"github.com/platinummonkey/tenantguard/pkg/masking"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// EvaluateRequest asks whether the calling principal may perform Action
type EvaluateRequest struct {
	OrganizationID int64  `json:"organization_id"`
	Action         string `json:"action"`
	ResourceType   string `json:"resource_type,omitempty"`
	ResourceID     string `json:"resource_id,omitempty"`
}

// EvaluateResponse carries the decision rendered for the caller. The chain
// is only included for organization administrators.
type EvaluateResponse struct {
	Allowed     bool               `json:"allowed"`
	Explanation rbac.Explanation   `json:"explanation"`
	Text        string             `json:"text"`
	Chain       []rbac.CheckResult `json:"chain,omitempty"`
}

// RollbackRequest names the organization the batch belongs to. A batch
// from any other organization is reported as not found.
type RollbackRequest struct {
	OrganizationID int64  `json:"organization_id"`
	Reason         string `json:"reason,omitempty"`
}

// RollbackResponse describes the compensating batch
type RollbackResponse struct {
	BatchID    string `json:"batch_id"`
	RolledBack string `json:"rolled_back"`
	Events     int    `json:"events"`
}

// ApplyRequest optionally records why a drift pattern is being applied
type ApplyRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ApplyResponse describes the role created by a drift migration
type ApplyResponse struct {
	RoleID            int64     `json:"role_id"`
	RoleName          string    `json:"role_name"`
	BatchID           string    `json:"batch_id"`
	Migrated          int       `json:"migrated"`
	RollbackExpiresAt time.Time `json:"rollback_expires_at"`
}

// RevealRequest is sent by the host application on behalf of the reader.
// Records are named by id only; their values are loaded server side. The
// access fields are metadata it extracted from the reader's request.
type RevealRequest struct {
	RecordIDs          []string `json:"record_ids"`
	Origin             string   `json:"origin,omitempty"`
	ClientSignature    string   `json:"client_signature,omitempty"`
	MaskedFieldFilters int      `json:"masked_field_filters,omitempty"`
	MaskedFieldSort    bool     `json:"masked_field_sort,omitempty"`
}

// RevealResponse holds one result per requested record, in order
type RevealResponse struct {
	Results []masking.Result `json:"results"`
}

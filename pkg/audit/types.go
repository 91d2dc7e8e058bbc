package audit

import (
	"errors"
	"fmt"
	"time"
)

// Action identifies what an audit event records
type Action string

const (
	// Membership events
	ActionMemberAdd           Action = "membership.add"
	ActionMemberRemove        Action = "membership.remove"
	ActionMemberRoleChange    Action = "membership.role_change"
	ActionOverrideSet         Action = "membership.override_set"
	ActionOverrideClear       Action = "membership.override_clear"
	ActionStaleOverridesClear Action = "membership.stale_overrides_clear"

	// Catalog and tenant events
	ActionRoleCreate    Action = "role.create"
	ActionRoleUpdate    Action = "role.update"
	ActionRoleDelete    Action = "role.delete"
	ActionOrgStatus     Action = "organization.status_change"
	ActionPrincipalLock Action = "principal.lock"

	// Drift migration and its reversal
	ActionDriftApply Action = "drift.apply"
	ActionRollback   Action = "rollback.apply"

	// ActionSensitiveAccess records a read of protected fields. It carries
	// counts and access context only.
	ActionSensitiveAccess Action = "sensitive.access"
)

// Resource types
const (
	ResourceMembership   = "membership"
	ResourceOrganization = "organization"
	ResourceRole         = "role"
	ResourcePrincipal    = "principal"
	ResourceRecord       = "record"
)

// Snapshot is a sanitized view of an entity before or after a change
type Snapshot map[string]interface{}

// Actor describes who performs a batch and on whose behalf
type Actor struct {
	PrincipalID       int64  `json:"principal_id"`
	OrganizationID    int64  `json:"organization_id"`
	Reason            string `json:"reason,omitempty"`
	CorrelationID     string `json:"correlation_id,omitempty"`
	CorrelationSource string `json:"correlation_source,omitempty"`
}

// Record is one change to append
type Record struct {
	Action       Action
	ResourceType string
	ResourceID   string
	Before       Snapshot
	After        Snapshot
}

// Event is an immutable audit log entry
type Event struct {
	ID                int64     `json:"id"`
	EventID           string    `json:"event_id"`
	ActorID           int64     `json:"actor_id"`
	OrganizationID    int64     `json:"organization_id"`
	Action            Action    `json:"action"`
	ResourceType      string    `json:"resource_type"`
	ResourceID        string    `json:"resource_id"`
	Before            Snapshot  `json:"before,omitempty"`
	After             Snapshot  `json:"after,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	BatchID           string    `json:"batch_id,omitempty"`
	BatchSize         int       `json:"batch_size,omitempty"`
	BatchIndex        int       `json:"batch_index,omitempty"`
	CorrelationID     string    `json:"correlation_id,omitempty"`
	CorrelationSource string    `json:"correlation_source,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Batch is the result of AppendBatch
type Batch struct {
	ID     string   `json:"batch_id"`
	Events []*Event `json:"events"`
}

// SearchFilter represents filters for searching audit events. Results are
// always limited to the requester's organizations.
type SearchFilter struct {
	OrganizationID *int64
	ActorID        *int64
	ResourceType   string
	ResourceID     string
	BatchID        string
	Actions        []Action
	StartTime      *time.Time
	EndTime        *time.Time

	Limit  int
	Offset int
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

func (f *SearchFilter) normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Page is one page of search results
type Page struct {
	Events     []*Event `json:"events"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
	NextOffset *int     `json:"next_offset,omitempty"`
}

// ExportFormat represents the format for exporting audit events
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

var (
	ErrEventNotFound = errors.New("audit event not found")
	// ErrUnsanitizedSnapshot is returned when a snapshot still carries a
	// denied field name
	ErrUnsanitizedSnapshot = errors.New("snapshot contains a field that must be sanitized")
	ErrEmptyBatch          = errors.New("batch has no records")
	ErrRollbackNotFound    = errors.New("rollback record not found")
	// ErrRollbackConsumed means the batch was already reversed
	ErrRollbackConsumed = errors.New("batch has already been rolled back")
	ErrNoReverser       = errors.New("no reverser registered for rollback kind")
	ErrUnknownFormat    = errors.New("unknown export format")
)

// WriteFailureError wraps any failure to persist audit events. The
// triggering mutation must abort.
type WriteFailureError struct {
	BatchID string
	Err     error
}

func (e *WriteFailureError) Error() string {
	if e.BatchID != "" {
		return fmt.Sprintf("audit write failed for batch %s: %v", e.BatchID, e.Err)
	}
	return fmt.Sprintf("audit write failed: %v", e.Err)
}

func (e *WriteFailureError) Unwrap() error { return e.Err }

// RollbackExpiredError is returned once a rollback window has closed
type RollbackExpiredError struct {
	BatchID   string
	ExpiredAt time.Time
}

func (e *RollbackExpiredError) Error() string {
	return fmt.Sprintf("batch %s can no longer be undone (window closed %s)", e.BatchID, e.ExpiredAt.Format(time.RFC3339))
}

// RollbackExpiredMessage is the user-facing text for RollbackExpiredError
const RollbackExpiredMessage = "this change can no longer be undone"

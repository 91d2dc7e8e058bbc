package rbac

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/capability"
)

// RoleTemplate is a named bundle of default capabilities. A role may name
// one parent whose map is consulted for capabilities the role itself does
// not mention; the parent may not have a parent of its own.
type RoleTemplate struct {
	ID             int64          `json:"id"`
	OrganizationID *int64         `json:"organization_id,omitempty"` // nil for built-in roles
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	ParentID       *int64         `json:"parent_id,omitempty"`
	Capabilities   capability.Set `json:"capabilities"`
	IsBuiltIn      bool           `json:"is_built_in"`
	CreatedBy      *int64         `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Built-in role names
const (
	RoleViewer  = "viewer"
	RoleEditor  = "editor"
	RoleFinance = "finance"
	RoleAdmin   = "admin"
)

// BuiltInRoles returns the role templates every organization can use
func BuiltInRoles() []RoleTemplate {
	return []RoleTemplate{
		{
			Name:        RoleViewer,
			Description: "Read-only access to organization records",
			IsBuiltIn:   true,
			Capabilities: capability.Set{
				capability.Read: true,
			},
		},
		{
			Name:        RoleEditor,
			Description: "Read and modify organization records",
			IsBuiltIn:   true,
			Capabilities: capability.Set{
				capability.Read:  true,
				capability.Write: true,
			},
		},
		{
			Name:        RoleFinance,
			Description: "Editor access plus financial figures and exports",
			IsBuiltIn:   true,
			Capabilities: capability.Set{
				capability.Read:           true,
				capability.Write:          true,
				capability.Export:         true,
				capability.ViewFinancials: true,
			},
		},
		{
			Name:        RoleAdmin,
			Description: "Full administrative access to the organization",
			IsBuiltIn:   true,
			Capabilities: capability.Set{
				capability.Read:           true,
				capability.Write:          true,
				capability.Delete:         true,
				capability.Export:         true,
				capability.ViewFinancials: true,
				capability.ManageMembers:  true,
				capability.ManageRoles:    true,
				capability.ManageSettings: true,
				capability.ViewAudit:      true,
				capability.Rollback:       true,
				capability.Admin:          true,
			},
		},
	}
}

var (
	ErrRoleNotFound = errors.New("role not found")
	// ErrRoleInUse is returned when deleting a role that memberships or
	// child roles still reference
	ErrRoleInUse     = errors.New("role is still referenced; migrate its members first")
	ErrDuplicateRole = errors.New("a role with this name already exists in the organization")
	ErrBuiltInRole   = errors.New("built-in roles cannot be modified")
	// ErrInvalidParent covers parents in another organization and parents
	// that have a parent themselves
	ErrInvalidParent = errors.New("invalid parent role")
)

// ConfigurationError reports a caller bug such as an unknown action. It is
// not a security event.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NotAMemberError means the principal has no membership in the organization.
// Callers must surface it exactly like a generic denial so membership cannot
// be enumerated.
type NotAMemberError struct {
	PrincipalID    int64
	OrganizationID int64
}

func (e *NotAMemberError) Error() string {
	return fmt.Sprintf("principal %d is not a member of organization %d", e.PrincipalID, e.OrganizationID)
}

// PermissionDeniedError carries the full decision. Only the primary reason
// is shown to non-administrative callers.
type PermissionDeniedError struct {
	Decision *Decision
}

func (e *PermissionDeniedError) Error() string {
	if p := e.Decision.Primary(); p != nil {
		return fmt.Sprintf("permission denied for %s: %s", e.Decision.Action, p.Detail)
	}
	return fmt.Sprintf("permission denied for %s", e.Decision.Action)
}

// PublicDenialMessage is the only text shown for a denial whose cause must
// not be revealed (non-members).
const PublicDenialMessage = "you do not have access to perform this action"

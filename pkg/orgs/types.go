package orgs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/capability"
)

// PrincipalStatus represents a principal's account status
type PrincipalStatus string

const (
	PrincipalActive    PrincipalStatus = "active"
	PrincipalSuspended PrincipalStatus = "suspended"
	PrincipalLocked    PrincipalStatus = "locked"
)

// Valid reports whether s is a known principal status
func (s PrincipalStatus) Valid() bool {
	switch s {
	case PrincipalActive, PrincipalSuspended, PrincipalLocked:
		return true
	}
	return false
}

// OrgStatus represents organization service status
type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusSuspended OrgStatus = "suspended"
	OrgStatusArchived  OrgStatus = "archived"
)

// Valid reports whether s is a known organization status
func (s OrgStatus) Valid() bool {
	switch s {
	case OrgStatusActive, OrgStatusSuspended, OrgStatusArchived:
		return true
	}
	return false
}

// Principal is an authenticated identity. ExternalRef is the identifier
// issued by the authentication provider.
type Principal struct {
	ID          int64           `json:"id"`
	ExternalRef string          `json:"external_ref"`
	Status      PrincipalStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Organization is a tenant
type Organization struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Status            OrgStatus `json:"status"`
	ExternallySourced bool      `json:"externally_sourced"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Membership associates a principal with one organization. Overrides hold
// explicit entries only; a missing capability inherits from the role.
//
// StaleOverrides lists stored override keys that are no longer part of the
// capability vocabulary. They are never evaluated and the membership cannot
// be written until they are cleared.
type Membership struct {
	ID             int64          `json:"id"`
	PrincipalID    int64          `json:"principal_id"`
	OrganizationID int64          `json:"organization_id"`
	RoleID         int64          `json:"role_id"`
	Overrides      capability.Set `json:"overrides"`
	StaleOverrides []string       `json:"stale_overrides,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// State captures the mutable part of a membership, used for audit snapshots
// and rollback records.
func (m *Membership) State() MembershipState {
	return MembershipState{
		MembershipID: m.ID,
		RoleID:       m.RoleID,
		Overrides:    m.Overrides.Clone(),
		Version:      m.Version,
	}
}

// MembershipState is a point-in-time copy of a membership's role and
// overrides.
type MembershipState struct {
	MembershipID int64          `json:"membership_id"`
	RoleID       int64          `json:"role_id"`
	Overrides    capability.Set `json:"overrides"`
	Version      int64          `json:"version"`
}

var (
	ErrPrincipalNotFound    = errors.New("principal not found")
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrMembershipNotFound   = errors.New("membership not found")
	ErrAlreadyMember        = errors.New("principal is already a member")
	// ErrVersionConflict means the row changed since it was read
	ErrVersionConflict = errors.New("membership version conflict")
	// ErrExternallySourced guards organizations owned by an external directory
	ErrExternallySourced = errors.New("organization is externally sourced and cannot be removed")
)

// StaleOverridesError blocks writes to a membership carrying override keys
// outside the vocabulary.
type StaleOverridesError struct {
	MembershipID int64
	Keys         []string
}

func (e *StaleOverridesError) Error() string {
	keys := append([]string(nil), e.Keys...)
	sort.Strings(keys)
	return fmt.Sprintf("membership %d has unrecognized override keys [%s]; clear them before writing", e.MembershipID, strings.Join(keys, ", "))
}

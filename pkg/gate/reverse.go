package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// Rollback kinds the gate registers
const (
	// RollbackKindMembership reverses role and override changes
	RollbackKindMembership = "membership"
	// RollbackKindRole reverses a role's capability change
	RollbackKindRole = "role"
)

// ErrSuperseded means a membership or role changed again after the batch
// being rolled back. Rolling back would discard the newer change, so nothing
// is restored.
var ErrSuperseded = errors.New("state changed after this batch; roll back the newer change first")

// RoleChange records a role's capabilities before and after a batch
type RoleChange struct {
	RoleID int64          `json:"role_id"`
	Before capability.Set `json:"before"`
	After  capability.Set `json:"after"`
}

// MembershipChange records a membership's state before a batch and the
// version the batch left it at
type MembershipChange struct {
	Before       orgs.MembershipState `json:"before"`
	AfterVersion int64                `json:"after_version"`
}

// RestoreMemberships puts every membership back to its Before role and
// overrides. A membership whose version moved past AfterVersion aborts the
// whole restore with ErrSuperseded.
func RestoreMemberships(ctx context.Context, members *orgs.Store, changes []MembershipChange) ([]audit.Record, error) {
	records := make([]audit.Record, 0, len(changes))
	for _, c := range changes {
		m, err := members.GetMembershipByID(ctx, c.Before.MembershipID)
		if err != nil {
			return nil, fmt.Errorf("membership %d: %w", c.Before.MembershipID, err)
		}
		if m.Version != c.AfterVersion {
			return nil, fmt.Errorf("membership %d at version %d, expected %d: %w",
				m.ID, m.Version, c.AfterVersion, ErrSuperseded)
		}

		before := membershipSnapshot(m)
		action := audit.ActionOverrideSet
		if m.RoleID != c.Before.RoleID {
			action = audit.ActionMemberRoleChange
		}
		m.RoleID = c.Before.RoleID
		m.Overrides = c.Before.Overrides.Clone()
		if err := members.UpdateMembership(ctx, m, c.AfterVersion); err != nil {
			return nil, fmt.Errorf("failed to restore membership %d: %w", m.ID, err)
		}

		records = append(records, audit.Record{
			Action:       action,
			ResourceType: audit.ResourceMembership,
			ResourceID:   strconv.FormatInt(m.ID, 10),
			Before:       before,
			After:        membershipSnapshot(m),
		})
	}
	return records, nil
}

func reverseMemberships(ctx context.Context, tx *sql.Tx, rec *audit.RollbackRecord) ([]audit.Record, error) {
	var changes []MembershipChange
	if err := json.Unmarshal(rec.PriorState, &changes); err != nil {
		return nil, fmt.Errorf("failed to decode rollback state: %w", err)
	}
	return RestoreMemberships(ctx, orgs.NewStore(tx), changes)
}

func reverseRole(ctx context.Context, tx *sql.Tx, rec *audit.RollbackRecord) ([]audit.Record, error) {
	var c RoleChange
	if err := json.Unmarshal(rec.PriorState, &c); err != nil {
		return nil, fmt.Errorf("failed to decode rollback state: %w", err)
	}
	roles := rbac.NewStore(tx)
	role, err := roles.GetRole(ctx, c.RoleID)
	if err != nil {
		return nil, fmt.Errorf("role %d: %w", c.RoleID, err)
	}
	if !role.Capabilities.Equal(c.After) {
		return nil, fmt.Errorf("role %d capabilities changed: %w", role.ID, ErrSuperseded)
	}

	before := roleSnapshot(role)
	if err := roles.UpdateRoleCapabilities(ctx, role.ID, c.Before); err != nil {
		return nil, fmt.Errorf("failed to restore role %d: %w", role.ID, err)
	}
	role.Capabilities = c.Before
	return []audit.Record{{
		Action:       audit.ActionRoleUpdate,
		ResourceType: audit.ResourceRole,
		ResourceID:   strconv.FormatInt(role.ID, 10),
		Before:       before,
		After:        roleSnapshot(role),
	}}, nil
}

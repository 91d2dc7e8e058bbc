package drift

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/gate"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// RollbackKind identifies drift migrations in rollback records
const RollbackKind = "drift_migration"

// ResourcePattern is the audited resource type of a drift apply
const ResourcePattern = "drift_pattern"

type migrationState struct {
	RoleID  int64                   `json:"role_id"`
	Changes []gate.MembershipChange `json:"changes"`
}

func capsSnapshot(set capability.Set) map[string]interface{} {
	out := make(map[string]interface{}, len(set))
	for k, v := range set {
		out[string(k)] = v
	}
	return out
}

func memberSnapshot(m *orgs.Membership) audit.Snapshot {
	return audit.Snapshot{
		"principal_id":    m.PrincipalID,
		"organization_id": m.OrganizationID,
		"role_id":         m.RoleID,
		"overrides":       capsSnapshot(m.Overrides),
		"version":         m.Version,
	}
}

// verify reloads every covered membership and fails with ErrStalePattern
// if any of them moved since analysis
func verify(ctx context.Context, tx *gate.Tx, p Pattern) ([]*orgs.Membership, error) {
	members := make([]*orgs.Membership, 0, len(p.Members))
	for _, pm := range p.Members {
		m, err := tx.Members.GetMembershipByID(ctx, pm.MembershipID)
		if errors.Is(err, orgs.ErrMembershipNotFound) {
			return nil, fmt.Errorf("membership %d removed: %w", pm.MembershipID, ErrStalePattern)
		}
		if err != nil {
			return nil, err
		}
		switch {
		case m.OrganizationID != p.OrganizationID,
			m.RoleID != p.BaseRoleID,
			m.Version != pm.Version,
			len(m.StaleOverrides) > 0,
			!m.Overrides.Equal(p.Overrides):
			return nil, fmt.Errorf("membership %d: %w", m.ID, ErrStalePattern)
		}
		members = append(members, m)
	}
	return members, nil
}

// createRole inserts the migrated role, suffixing the name with the
// pattern id when it collides with an existing role
func createRole(ctx context.Context, tx *gate.Tx, req gate.Request, p Pattern, base *rbac.RoleTemplate) (*rbac.RoleTemplate, error) {
	name, desc := p.SuggestedName, p.Description
	if name == "" {
		name, desc = RuleName(p)
	}
	caps, parent := roleCapabilities(base, p.Overrides)
	orgID := p.OrganizationID
	role := &rbac.RoleTemplate{
		OrganizationID: &orgID,
		Name:           name,
		Description:    desc,
		ParentID:       parent,
		Capabilities:   caps,
	}
	if !req.System {
		creator := req.PrincipalID
		role.CreatedBy = &creator
	}

	err := tx.Roles.CreateRole(ctx, role)
	if errors.Is(err, rbac.ErrDuplicateRole) {
		role.Name = name + "-" + p.ID[:6]
		err = tx.Roles.CreateRole(ctx, role)
	}
	if err != nil {
		return nil, err
	}
	return role, nil
}

// Apply creates a role from p and moves every covered membership onto it
// with its overrides cleared, in one audited batch. The migration can be
// rolled back within the rollback window.
func (a *Analyzer) Apply(ctx context.Context, req gate.Request, p Pattern) (*rbac.RoleTemplate, *gate.Result, error) {
	if p.OrganizationID != req.OrganizationID {
		return nil, nil, ErrPatternNotFound
	}
	req.Action = capability.ManageRoles
	req.ResourceType = ResourcePattern
	req.ResourceID = p.ID
	req.Memberships = append(req.Memberships, p.MembershipIDs()...)

	var role *rbac.RoleTemplate
	res, err := a.gate.Execute(ctx, req, func(ctx context.Context, tx *gate.Tx) ([]audit.Record, error) {
		base, err := tx.Roles.GetRole(ctx, p.BaseRoleID)
		if errors.Is(err, rbac.ErrRoleNotFound) {
			return nil, fmt.Errorf("base role %d removed: %w", p.BaseRoleID, ErrStalePattern)
		}
		if err != nil {
			return nil, err
		}
		members, err := verify(ctx, tx, p)
		if err != nil {
			return nil, err
		}

		role, err = createRole(ctx, tx, req, p, base)
		if err != nil {
			return nil, err
		}
		roleID := strconv.FormatInt(role.ID, 10)
		records := []audit.Record{{
			Action:       audit.ActionRoleCreate,
			ResourceType: audit.ResourceRole,
			ResourceID:   roleID,
			After: audit.Snapshot{
				"name":         role.Name,
				"description":  role.Description,
				"capabilities": capsSnapshot(role.Capabilities),
				"parent_id":    *role.ParentID,
			},
		}}

		state := migrationState{RoleID: role.ID}
		for _, m := range members {
			prior := m.State()
			before := memberSnapshot(m)
			m.RoleID = role.ID
			m.Overrides = capability.Set{}
			if err := tx.Members.UpdateMembership(ctx, m, prior.Version); err != nil {
				return nil, fmt.Errorf("failed to migrate membership %d: %w", m.ID, err)
			}
			state.Changes = append(state.Changes, gate.MembershipChange{Before: prior, AfterVersion: m.Version})
			records = append(records, audit.Record{
				Action:       audit.ActionMemberRoleChange,
				ResourceType: audit.ResourceMembership,
				ResourceID:   strconv.FormatInt(m.ID, 10),
				Before:       before,
				After:        memberSnapshot(m),
			})
		}

		records = append(records, audit.Record{
			Action:       audit.ActionDriftApply,
			ResourceType: ResourcePattern,
			ResourceID:   p.ID,
			After: audit.Snapshot{
				"role_id":      role.ID,
				"base_role_id": p.BaseRoleID,
				"overrides":    capsSnapshot(p.Overrides),
				"members":      len(members),
				"confidence":   p.Confidence,
			},
		})
		if err := tx.SaveRollback(RollbackKind, state); err != nil {
			return nil, err
		}
		return records, nil
	})
	a.metrics.RecordDriftMigration("apply", applyOutcome(err))
	if err != nil {
		return nil, nil, err
	}

	a.logger.WithFields(map[string]interface{}{
		"organization_id": p.OrganizationID,
		"pattern_id":      p.ID,
		"role_id":         role.ID,
		"members":         len(p.Members),
	}).Info("drift pattern applied")
	return role, res, nil
}

// Rollback reverses a drift migration batch. Members get their previous
// role and overrides back and the created role is deleted once nothing
// references it.
func (a *Analyzer) Rollback(ctx context.Context, req gate.Request, batchID string) (*audit.Batch, error) {
	batch, err := a.gate.Rollback(ctx, req, batchID)
	a.metrics.RecordDriftMigration("rollback", applyOutcome(err))
	return batch, err
}

type reverser struct{}

func (reverser) Reverse(ctx context.Context, tx *sql.Tx, rec *audit.RollbackRecord) ([]audit.Record, error) {
	var state migrationState
	if err := json.Unmarshal(rec.PriorState, &state); err != nil {
		return nil, fmt.Errorf("failed to decode drift rollback state: %w", err)
	}

	records, err := gate.RestoreMemberships(ctx, orgs.NewStore(tx), state.Changes)
	if err != nil {
		return nil, err
	}

	roles := rbac.NewStore(tx)
	role, err := roles.GetRole(ctx, state.RoleID)
	if errors.Is(err, rbac.ErrRoleNotFound) {
		return records, nil
	}
	if err != nil {
		return nil, err
	}
	refs, err := roles.CountReferences(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	if refs > 0 {
		return records, nil
	}
	if err := roles.DeleteRole(ctx, role.ID); err != nil {
		return nil, err
	}
	return append(records, audit.Record{
		Action:       audit.ActionRoleDelete,
		ResourceType: audit.ResourceRole,
		ResourceID:   strconv.FormatInt(role.ID, 10),
		Before: audit.Snapshot{
			"name":         role.Name,
			"capabilities": capsSnapshot(role.Capabilities),
		},
	}), nil
}

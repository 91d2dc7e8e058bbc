package gate

import (
	"context"
	"fmt"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

func overridesSnapshot(set capability.Set) map[string]interface{} {
	out := make(map[string]interface{}, len(set))
	for k, v := range set {
		out[string(k)] = v
	}
	return out
}

func membershipSnapshot(m *orgs.Membership) audit.Snapshot {
	return audit.Snapshot{
		"principal_id":    m.PrincipalID,
		"organization_id": m.OrganizationID,
		"role_id":         m.RoleID,
		"overrides":       overridesSnapshot(m.Overrides),
		"version":         m.Version,
	}
}

func roleSnapshot(r *rbac.RoleTemplate) audit.Snapshot {
	snap := audit.Snapshot{
		"name":         r.Name,
		"description":  r.Description,
		"capabilities": overridesSnapshot(r.Capabilities),
	}
	if r.ParentID != nil {
		snap["parent_id"] = *r.ParentID
	}
	return snap
}

func membershipRecord(action audit.Action, id int64, before, after audit.Snapshot) audit.Record {
	return audit.Record{
		Action:       action,
		ResourceType: audit.ResourceMembership,
		ResourceID:   strconv.FormatInt(id, 10),
		Before:       before,
		After:        after,
	}
}

// loadMember returns a membership of the request's organization. Other
// organizations' memberships are reported as not found.
func loadMember(ctx context.Context, tx *Tx, orgID, id int64) (*orgs.Membership, error) {
	m, err := tx.Members.GetMembershipByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.OrganizationID != orgID {
		return nil, orgs.ErrMembershipNotFound
	}
	return m, nil
}

// usableRole returns a role that members of orgID may hold
func usableRole(ctx context.Context, tx *Tx, orgID, roleID int64) (*rbac.RoleTemplate, error) {
	role, err := tx.Roles.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.OrganizationID != nil && *role.OrganizationID != orgID {
		return nil, rbac.ErrRoleNotFound
	}
	return role, nil
}

func membershipRequest(req Request, id int64, action capability.Capability) Request {
	req.Action = action
	req.ResourceType = audit.ResourceMembership
	req.ResourceID = strconv.FormatInt(id, 10)
	req.Memberships = append(req.Memberships, id)
	return req
}

// AddMember adds principalID to the request's organization
func (g *Gate) AddMember(ctx context.Context, req Request, principalID, roleID int64, overrides capability.Set) (*orgs.Membership, *Result, error) {
	req.Action = capability.ManageMembers
	req.ResourceType = audit.ResourcePrincipal
	req.ResourceID = strconv.FormatInt(principalID, 10)

	var m *orgs.Membership
	res, err := g.Execute(ctx, req, func(ctx context.Context, tx *Tx) ([]audit.Record, error) {
		if _, err := usableRole(ctx, tx, req.OrganizationID, roleID); err != nil {
			return nil, err
		}
		m = &orgs.Membership{
			PrincipalID:    principalID,
			OrganizationID: req.OrganizationID,
			RoleID:         roleID,
			Overrides:      overrides.Clone(),
		}
		if err := tx.Members.AddMember(ctx, m); err != nil {
			return nil, err
		}
		return []audit.Record{membershipRecord(audit.ActionMemberAdd, m.ID, nil, membershipSnapshot(m))}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return m, res, nil
}

// RemoveMember deletes a membership
func (g *Gate) RemoveMember(ctx context.Context, req Request, membershipID int64) (*Result, error) {
	req = membershipRequest(req, membershipID, capability.ManageMembers)
	return g.Execute(ctx, req, func(ctx context.Context, tx *Tx) ([]audit.Record, error) {
		m, err := loadMember(ctx, tx, req.OrganizationID, membershipID)
		if err != nil {
			return nil, err
		}
		if err := tx.Members.RemoveMember(ctx, m.ID, m.Version); err != nil {
			return nil, err
		}
		return []audit.Record{membershipRecord(audit.ActionMemberRemove, m.ID, membershipSnapshot(m), nil)}, nil
	})
}

// ChangeRole moves a membership to roleID. The previous role and overrides
// can be restored within the rollback window.
func (g *Gate) ChangeRole(ctx context.Context, req Request, membershipID, roleID int64) (*Result, error) {
	req = membershipRequest(req, membershipID, capability.ManageMembers)
	return g.Execute(ctx, req, func(ctx context.Context, tx *Tx) ([]audit.Record, error) {
		m, err := loadMember(ctx, tx, req.OrganizationID, membershipID)
		if err != nil {
			return nil, err
		}
		if _, err := usableRole(ctx, tx, req.OrganizationID, roleID); err != nil {
			return nil, err
		}

		prior := m.State()
		before := membershipSnapshot(m)
		m.RoleID = roleID
		if err := tx.Members.UpdateMembership(ctx, m, prior.Version); err != nil {
			return nil, err
		}
		if err := tx.SaveRollback(RollbackKindMembership, []MembershipChange{{Before: prior, AfterVersion: m.Version}}); err != nil {
			return nil, err
		}
		return []audit.Record{membershipRecord(audit.ActionMemberRoleChange, m.ID, before, membershipSnapshot(m))}, nil
	})
}

// SetOverride sets an explicit override on a membership, or clears it when
// value is nil
func (g *Gate) SetOverride(ctx context.Context, req Request, membershipID int64, c capability.Capability, value *bool) (*Result, error) {
	if !c.Valid() {
		return nil, &rbac.ConfigurationError{Reason: "unknown capability", Err: &capability.UnknownError{Name: string(c)}}
	}
	req = membershipRequest(req, membershipID, capability.ManageMembers)
	return g.Execute(ctx, req, func(ctx context.Context, tx *Tx) ([]audit.Record, error) {
		m, err := loadMember(ctx, tx, req.OrganizationID, membershipID)
		if err != nil {
			return nil, err
		}

		prior := m.State()
		before := membershipSnapshot(m)
		action := audit.ActionOverrideSet
		if value == nil {
			action = audit.ActionOverrideClear
			delete(m.Overrides, c)
		} else {
			if m.Overrides == nil {
				m.Overrides = capability.Set{}
			}
			m.Overrides[c] = *value
		}
		if err := tx.Members.UpdateMembership(ctx, m, prior.Version); err != nil {
			return nil, err
		}
		if err := tx.SaveRollback(RollbackKindMembership, []MembershipChange{{Before: prior, AfterVersion: m.Version}}); err != nil {
			return nil, err
		}
		return []audit.Record{membershipRecord(action, m.ID, before, membershipSnapshot(m))}, nil
	})
}

// ClearStaleOverrides drops override keys outside the vocabulary so the
// membership can be written again
func (g *Gate) ClearStaleOverrides(ctx context.Context, req Request, membershipID int64) (*Result, error) {
	req = membershipRequest(req, membershipID, capability.ManageMembers)
	return g.Execute(ctx, req, func(ctx context.Context, tx *Tx) ([]audit.Record, error) {
		m, err := loadMember(ctx, tx, req.OrganizationID, membershipID)
		if err != nil {
			return nil, err
		}
		if len(m.StaleOverrides) == 0 {
			return nil, fmt.Errorf("membership %d has no stale overrides", m.ID)
		}
		stale := make([]interface{}, len(m.StaleOverrides))
		for i, k := range m.StaleOverrides {
			stale[i] = k
		}
		if err := tx.Members.ClearStaleOverrides(ctx, m, m.Version); err != nil {
			return nil, err
		}
		return []audit.Record{membershipRecord(audit.ActionStaleOverridesClear, m.ID,
			audit.Snapshot{"stale_overrides": stale}, membershipSnapshot(m))}, nil
	})
}

// SetOrganizationStatus changes the request organization's status. Every
// check fails in a suspended organization, so reactivation has to be a
// system request.
func (g *Gate) SetOrganizationStatus(ctx context.Context, req Request, status orgs.OrgStatus) (*Result, error) {
	req.Action = capability.ManageSettings
	req.ResourceType = audit.ResourceOrganization
	req.ResourceID = strconv.FormatInt(req.OrganizationID, 10)
	return g.Execute(ctx, req, func(ctx context.Context, tx *Tx) ([]audit.Record, error) {
		org, err := tx.Members.GetOrganization(ctx, req.OrganizationID)
		if err != nil {
			return nil, err
		}
		if err := tx.Members.SetOrganizationStatus(ctx, org.ID, status); err != nil {
			return nil, err
		}
		return []audit.Record{{
			Action:       audit.ActionOrgStatus,
			ResourceType: audit.ResourceOrganization,
			ResourceID:   req.ResourceID,
			Before:       audit.Snapshot{"status": string(org.Status)},
			After:        audit.Snapshot{"status": string(status)},
		}}, nil
	})
}

// ArchiveOrganization removes the request's organization from service.
// Externally sourced organizations fail with orgs.ErrExternallySourced.
func (g *Gate) ArchiveOrganization(ctx context.Context, req Request) (*Result, error) {
	req.Action = capability.Admin
	req.ResourceType = audit.ResourceOrganization
	req.ResourceID = strconv.FormatInt(req.OrganizationID, 10)
	return g.Execute(ctx, req, func(ctx context.Context, tx *Tx) ([]audit.Record, error) {
		org, err := tx.Members.GetOrganization(ctx, req.OrganizationID)
		if err != nil {
			return nil, err
		}
		if err := tx.Members.DeleteOrganization(ctx, org.ID); err != nil {
			return nil, err
		}
		return []audit.Record{{
			Action:       audit.ActionOrgStatus,
			ResourceType: audit.ResourceOrganization,
			ResourceID:   req.ResourceID,
			Before:       audit.Snapshot{"status": string(org.Status)},
			After:        audit.Snapshot{"status": string(orgs.OrgStatusArchived)},
		}}, nil
	})
}

// CreateRole adds a custom role to the request's organization
func (g *Gate) CreateRole(ctx context.Context, req Request, role *rbac.RoleTemplate) (*Result, error) {
	req.Action = capability.ManageRoles
	req.ResourceType = audit.ResourceRole
	return g.Execute(ctx, req, func(ctx context.Context, tx *Tx) ([]audit.Record, error) {
		orgID := req.OrganizationID
		role.OrganizationID = &orgID
		role.IsBuiltIn = false
		if !req.System {
			creator := req.PrincipalID
			role.CreatedBy = &creator
		}
		if err := tx.Roles.CreateRole(ctx, role); err != nil {
			return nil, err
		}
		return []audit.Record{{
			Action:       audit.ActionRoleCreate,
			ResourceType: audit.ResourceRole,
			ResourceID:   strconv.FormatInt(role.ID, 10),
			After:        roleSnapshot(role),
		}}, nil
	})
}

// UpdateRole replaces a custom role's capabilities. Members holding the role,
// or a role inheriting from it, see the change on their next check. The
// previous capabilities can be restored within the rollback window.
func (g *Gate) UpdateRole(ctx context.Context, req Request, roleID int64, caps capability.Set) (*Result, error) {
	for c := range caps {
		if !c.Valid() {
			return nil, &rbac.ConfigurationError{Reason: "unknown capability", Err: &capability.UnknownError{Name: string(c)}}
		}
	}
	req.Action = capability.ManageRoles
	req.ResourceType = audit.ResourceRole
	req.ResourceID = strconv.FormatInt(roleID, 10)
	req.Roles = append(req.Roles, roleID)
	return g.Execute(ctx, req, func(ctx context.Context, tx *Tx) ([]audit.Record, error) {
		role, err := usableRole(ctx, tx, req.OrganizationID, roleID)
		if err != nil {
			return nil, err
		}
		if role.IsBuiltIn {
			return nil, rbac.ErrBuiltInRole
		}

		before := roleSnapshot(role)
		change := RoleChange{RoleID: role.ID, Before: role.Capabilities.Clone(), After: caps.Clone()}
		if err := tx.Roles.UpdateRoleCapabilities(ctx, role.ID, change.After); err != nil {
			return nil, err
		}
		role.Capabilities = change.After
		if err := tx.SaveRollback(RollbackKindRole, change); err != nil {
			return nil, err
		}
		return []audit.Record{{
			Action:       audit.ActionRoleUpdate,
			ResourceType: audit.ResourceRole,
			ResourceID:   req.ResourceID,
			Before:       before,
			After:        roleSnapshot(role),
		}}, nil
	})
}

// DeleteRole removes a custom role. With migrateTo set, every member holding
// the role is moved there first, in the same batch; without it a referenced
// role fails with rbac.ErrRoleInUse. The migrated memberships are locked
// like any other membership write; one that joins the role after they were
// listed fails the request with orgs.ErrVersionConflict.
func (g *Gate) DeleteRole(ctx context.Context, req Request, roleID int64, migrateTo *int64) (*Result, error) {
	req.Action = capability.ManageRoles
	req.ResourceType = audit.ResourceRole
	req.ResourceID = strconv.FormatInt(roleID, 10)
	req.Roles = append(req.Roles, roleID)

	locked := make(map[int64]bool)
	if migrateTo != nil {
		holders, err := orgs.NewStore(g.db).ListMembershipsByRole(ctx, roleID)
		if err != nil {
			return nil, err
		}
		for _, m := range holders {
			locked[m.ID] = true
			req.Memberships = append(req.Memberships, m.ID)
		}
	}

	return g.Execute(ctx, req, func(ctx context.Context, tx *Tx) ([]audit.Record, error) {
		role, err := usableRole(ctx, tx, req.OrganizationID, roleID)
		if err != nil {
			return nil, err
		}
		if role.IsBuiltIn {
			return nil, rbac.ErrBuiltInRole
		}

		var records []audit.Record
		if migrateTo != nil {
			if *migrateTo == roleID {
				return nil, &rbac.ConfigurationError{Reason: "cannot migrate a role onto itself"}
			}
			if _, err := usableRole(ctx, tx, req.OrganizationID, *migrateTo); err != nil {
				return nil, err
			}
			members, err := tx.Members.ListMembershipsByRole(ctx, roleID)
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				if !locked[m.ID] {
					return nil, fmt.Errorf("membership %d joined role %d during the request: %w", m.ID, roleID, orgs.ErrVersionConflict)
				}
				before := membershipSnapshot(m)
				m.RoleID = *migrateTo
				if err := tx.Members.UpdateMembership(ctx, m, m.Version); err != nil {
					return nil, fmt.Errorf("failed to migrate membership %d: %w", m.ID, err)
				}
				records = append(records, membershipRecord(audit.ActionMemberRoleChange, m.ID, before, membershipSnapshot(m)))
			}
		}

		if err := tx.Roles.DeleteRole(ctx, roleID); err != nil {
			return nil, err
		}
		records = append(records, audit.Record{
			Action:       audit.ActionRoleDelete,
			ResourceType: audit.ResourceRole,
			ResourceID:   req.ResourceID,
			Before:       roleSnapshot(role),
		})
		return records, nil
	})
}

// LockPrincipal locks a principal out of every organization. It is a system
// action so containment works even when no human is present.
func (g *Gate) LockPrincipal(ctx context.Context, orgID, principalID int64, reason string) error {
	req := Request{
		OrganizationID:    orgID,
		System:            true,
		Reason:            reason,
		CorrelationSource: "containment",
		ResourceType:      audit.ResourcePrincipal,
		ResourceID:        strconv.FormatInt(principalID, 10),
	}
	_, err := g.Execute(ctx, req, func(ctx context.Context, tx *Tx) ([]audit.Record, error) {
		p, err := tx.Members.GetPrincipal(ctx, principalID)
		if err != nil {
			return nil, err
		}
		if err := tx.Members.SetPrincipalStatus(ctx, principalID, orgs.PrincipalLocked); err != nil {
			return nil, err
		}
		return []audit.Record{{
			Action:       audit.ActionPrincipalLock,
			ResourceType: audit.ResourcePrincipal,
			ResourceID:   req.ResourceID,
			Before:       audit.Snapshot{"status": string(p.Status)},
			After:        audit.Snapshot{"status": string(orgs.PrincipalLocked)},
		}}, nil
	})
	return err
}

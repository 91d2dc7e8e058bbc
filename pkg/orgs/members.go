package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/storage"
)

const membershipColumns = `id, principal_id, organization_id, role_id, overrides, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMembership(row rowScanner) (*Membership, error) {
	m := &Membership{}
	var overridesJSON string
	if err := row.Scan(
		&m.ID, &m.PrincipalID, &m.OrganizationID, &m.RoleID,
		&overridesJSON, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var raw map[string]bool
	if err := json.Unmarshal([]byte(overridesJSON), &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal overrides: %w", err)
	}
	m.Overrides, m.StaleOverrides = capability.Split(raw)
	return m, nil
}

func marshalOverrides(set capability.Set) (string, error) {
	if set == nil {
		set = capability.Set{}
	}
	b, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("failed to marshal overrides: %w", err)
	}
	return string(b), nil
}

// AddMember creates a membership at version 1
func (s *Store) AddMember(ctx context.Context, m *Membership) error {
	overridesJSON, err := marshalOverrides(m.Overrides)
	if err != nil {
		return err
	}

	if _, err := s.GetMembership(ctx, m.PrincipalID, m.OrganizationID); err == nil {
		return ErrAlreadyMember
	} else if !errors.Is(err, ErrMembershipNotFound) {
		return err
	}

	now := storage.UTCNow()
	query := `
		INSERT INTO memberships (principal_id, organization_id, role_id, overrides, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		m.PrincipalID, m.OrganizationID, m.RoleID, overridesJSON, 1, now, now,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	if m.Overrides == nil {
		m.Overrides = capability.Set{}
	}
	m.Version = 1
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

// GetMembership retrieves the membership of a principal in an organization
func (s *Store) GetMembership(ctx context.Context, principalID, orgID int64) (*Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE principal_id = $1 AND organization_id = $2`
	m, err := scanMembership(s.db.QueryRowContext(ctx, query, principalID, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// GetMembershipByID retrieves a membership by ID
func (s *Store) GetMembershipByID(ctx context.Context, id int64) (*Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE id = $1`
	m, err := scanMembership(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// ListMemberships returns every membership of an organization ordered by ID
func (s *Store) ListMemberships(ctx context.Context, orgID int64) ([]*Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE organization_id = $1 ORDER BY id ASC`
	return s.queryMemberships(ctx, query, orgID)
}

// ListMembershipsByRole returns every membership referencing a role
func (s *Store) ListMembershipsByRole(ctx context.Context, roleID int64) ([]*Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE role_id = $1 ORDER BY id ASC`
	return s.queryMemberships(ctx, query, roleID)
}

func (s *Store) queryMemberships(ctx context.Context, query string, args ...interface{}) ([]*Membership, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListOrganizationIDs returns the organizations a principal belongs to. It
// defines the read scope for audit queries.
func (s *Store) ListOrganizationIDs(ctx context.Context, principalID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT organization_id FROM memberships WHERE principal_id = $1 ORDER BY organization_id`, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan organization id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateMembership writes m's role and overrides if the stored version still
// equals expectedVersion. On success m.Version is advanced.
func (s *Store) UpdateMembership(ctx context.Context, m *Membership, expectedVersion int64) error {
	if len(m.StaleOverrides) > 0 {
		return &StaleOverridesError{MembershipID: m.ID, Keys: m.StaleOverrides}
	}
	return s.writeMembership(ctx, m, expectedVersion)
}

// ClearStaleOverrides drops unrecognized override keys, which unblocks
// further writes to the membership.
func (s *Store) ClearStaleOverrides(ctx context.Context, m *Membership, expectedVersion int64) error {
	if err := s.writeMembership(ctx, m, expectedVersion); err != nil {
		return err
	}
	m.StaleOverrides = nil
	return nil
}

func (s *Store) writeMembership(ctx context.Context, m *Membership, expectedVersion int64) error {
	overridesJSON, err := marshalOverrides(m.Overrides)
	if err != nil {
		return err
	}

	now := storage.UTCNow()
	query := `
		UPDATE memberships
		SET role_id = $1, overrides = $2, version = $3, updated_at = $4
		WHERE id = $5 AND version = $6
	`
	result, err := s.db.ExecContext(ctx, query, m.RoleID, overridesJSON, expectedVersion+1, now, m.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetMembershipByID(ctx, m.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}

	m.Version = expectedVersion + 1
	m.UpdatedAt = now
	return nil
}

// RemoveMember deletes a membership if its version still matches
func (s *Store) RemoveMember(ctx context.Context, id, expectedVersion int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memberships WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetMembershipByID(ctx, id); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

// CountRoleReferences returns how many memberships reference a role
func (s *Store) CountRoleReferences(ctx context.Context, roleID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE role_id = $1`, roleID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count role references: %w", err)
	}
	return n, nil
}

package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// Store is the role catalog
type Store struct {
	db storage.DBTX
}

// NewStore creates a new role catalog
func NewStore(db storage.DBTX) *Store {
	return &Store{db: db}
}

// WithTx returns a catalog bound to tx
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx}
}

const roleColumns = `id, organization_id, name, description, parent_id, capabilities, is_built_in, created_by, created_at, updated_at`

func scanRole(row interface{ Scan(...interface{}) error }) (*RoleTemplate, error) {
	var (
		role            RoleTemplate
		capsJSON        string
		orgID, parentID sql.NullInt64
		createdBy       sql.NullInt64
	)
	if err := row.Scan(
		&role.ID, &orgID, &role.Name, &role.Description, &parentID,
		&capsJSON, &role.IsBuiltIn, &createdBy, &role.CreatedAt, &role.UpdatedAt,
	); err != nil {
		return nil, err
	}

	// Unknown capability names in a role are a data error, not a stale
	// override: roles are always written through CreateRole.
	if err := json.Unmarshal([]byte(capsJSON), &role.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}
	if orgID.Valid {
		id := orgID.Int64
		role.OrganizationID = &id
	}
	if parentID.Valid {
		id := parentID.Int64
		role.ParentID = &id
	}
	if createdBy.Valid {
		id := createdBy.Int64
		role.CreatedBy = &id
	}
	return &role, nil
}

// CreateRole validates and inserts a role template
func (s *Store) CreateRole(ctx context.Context, role *RoleTemplate) error {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return &ConfigurationError{Reason: "role name is required"}
	}
	if role.Capabilities == nil {
		role.Capabilities = capability.Set{}
	}

	if existing, err := s.GetRoleByName(ctx, role.Name, role.OrganizationID); err == nil {
		if sameOrg(existing.OrganizationID, role.OrganizationID) {
			return ErrDuplicateRole
		}
	} else if !errors.Is(err, ErrRoleNotFound) {
		return err
	}

	if role.ParentID != nil {
		parent, err := s.GetRole(ctx, *role.ParentID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParent, err)
		}
		if parent.ParentID != nil {
			return fmt.Errorf("%w: parent %q already inherits from another role", ErrInvalidParent, parent.Name)
		}
		if parent.OrganizationID != nil && !sameOrg(parent.OrganizationID, role.OrganizationID) {
			return fmt.Errorf("%w: parent %q belongs to another organization", ErrInvalidParent, parent.Name)
		}
	}

	capsJSON, err := json.Marshal(role.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	now := storage.UTCNow()
	query := `
		INSERT INTO role_templates (organization_id, name, description, parent_id, capabilities, is_built_in, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		role.OrganizationID,
		role.Name,
		role.Description,
		role.ParentID,
		string(capsJSON),
		role.IsBuiltIn,
		role.CreatedBy,
		now,
		now,
	).Scan(&role.ID)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, id int64) (*RoleTemplate, error) {
	query := `SELECT ` + roleColumns + ` FROM role_templates WHERE id = $1`
	role, err := scanRole(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleByName resolves a name within an organization, falling back to the
// built-in role of that name. A nil organization only matches built-ins.
func (s *Store) GetRoleByName(ctx context.Context, name string, organizationID *int64) (*RoleTemplate, error) {
	if organizationID != nil {
		query := `SELECT ` + roleColumns + ` FROM role_templates WHERE name = $1 AND organization_id = $2`
		role, err := scanRole(s.db.QueryRowContext(ctx, query, name, *organizationID))
		if err == nil {
			return role, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to get role: %w", err)
		}
	}

	query := `SELECT ` + roleColumns + ` FROM role_templates WHERE name = $1 AND organization_id IS NULL`
	role, err := scanRole(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles lists the built-in roles followed by the organization's own
func (s *Store) ListRoles(ctx context.Context, organizationID int64) ([]RoleTemplate, error) {
	query := `
		SELECT ` + roleColumns + `
		FROM role_templates
		WHERE organization_id = $1 OR organization_id IS NULL
		ORDER BY is_built_in DESC, name ASC
	`
	rows, err := s.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []RoleTemplate
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// UpdateRoleCapabilities replaces a custom role's capability map
func (s *Store) UpdateRoleCapabilities(ctx context.Context, id int64, caps capability.Set) error {
	role, err := s.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsBuiltIn {
		return ErrBuiltInRole
	}

	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE role_templates SET capabilities = $1, updated_at = $2 WHERE id = $3`,
		string(capsJSON), storage.UTCNow(), id)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return nil
}

// CountReferences returns how many memberships and child roles point at a role
func (s *Store) CountReferences(ctx context.Context, id int64) (int, error) {
	var members, children int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE role_id = $1`, id).Scan(&members); err != nil {
		return 0, fmt.Errorf("failed to count role members: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM role_templates WHERE parent_id = $1`, id).Scan(&children); err != nil {
		return 0, fmt.Errorf("failed to count child roles: %w", err)
	}
	return members + children, nil
}

// DeleteRole removes an unreferenced custom role
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	role, err := s.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsBuiltIn {
		return ErrBuiltInRole
	}

	refs, err := s.CountReferences(ctx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return ErrRoleInUse
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM role_templates WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

// SeedBuiltIns creates the built-in roles that do not exist yet
func (s *Store) SeedBuiltIns(ctx context.Context) error {
	for _, role := range BuiltInRoles() {
		if _, err := s.GetRoleByName(ctx, role.Name, nil); err == nil {
			continue
		} else if !errors.Is(err, ErrRoleNotFound) {
			return err
		}

		role := role
		if err := s.CreateRole(ctx, &role); err != nil {
			return fmt.Errorf("failed to create built-in role %s: %w", role.Name, err)
		}
	}
	return nil
}

func sameOrg(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

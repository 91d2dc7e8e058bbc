package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// Store persists principals, organizations and memberships. It runs against
// a *sql.DB or, through WithTx, an enclosing transaction.
type Store struct {
	db storage.DBTX
}

// NewStore creates a new membership store
func NewStore(db storage.DBTX) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to tx
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx}
}

// CreatePrincipal inserts a principal, defaulting to active status
func (s *Store) CreatePrincipal(ctx context.Context, p *Principal) error {
	if p.Status == "" {
		p.Status = PrincipalActive
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid principal status %q", p.Status)
	}

	now := storage.UTCNow()
	query := `
		INSERT INTO principals (external_ref, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	if err := s.db.QueryRowContext(ctx, query, p.ExternalRef, p.Status, now, now).Scan(&p.ID); err != nil {
		return fmt.Errorf("failed to create principal: %w", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// GetPrincipal retrieves a principal by ID
func (s *Store) GetPrincipal(ctx context.Context, id int64) (*Principal, error) {
	query := `SELECT id, external_ref, status, created_at, updated_at FROM principals WHERE id = $1`

	p := &Principal{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.ExternalRef, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get principal: %w", err)
	}
	return p, nil
}

// SetPrincipalStatus changes a principal's account status
func (s *Store) SetPrincipalStatus(ctx context.Context, id int64, status PrincipalStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid principal status %q", status)
	}
	query := `UPDATE principals SET status = $1, updated_at = $2 WHERE id = $3`
	return s.execOne(ctx, ErrPrincipalNotFound, "update principal status", query, status, storage.UTCNow(), id)
}

// CreateOrganization inserts an organization, defaulting to active status
func (s *Store) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.Status == "" {
		org.Status = OrgStatusActive
	}
	if !org.Status.Valid() {
		return fmt.Errorf("invalid organization status %q", org.Status)
	}

	now := storage.UTCNow()
	query := `
		INSERT INTO organizations (name, status, externally_sourced, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query, org.Name, org.Status, org.ExternallySourced, now, now).Scan(&org.ID)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	org.CreatedAt = now
	org.UpdatedAt = now
	return nil
}

// GetOrganization retrieves an organization by ID
func (s *Store) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	query := `
		SELECT id, name, status, externally_sourced, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`
	org := &Organization{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&org.ID, &org.Name, &org.Status, &org.ExternallySourced, &org.CreatedAt, &org.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// AllOrganizationIDs lists every organization that is not archived, used by
// background jobs that sweep all tenants.
func (s *Store) AllOrganizationIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM organizations WHERE status <> $1 ORDER BY id`, OrgStatusArchived)
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

// SetOrganizationStatus changes an organization's service status
func (s *Store) SetOrganizationStatus(ctx context.Context, id int64, status OrgStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid organization status %q", status)
	}
	query := `UPDATE organizations SET status = $1, updated_at = $2 WHERE id = $3`
	return s.execOne(ctx, ErrOrganizationNotFound, "update organization status", query, status, storage.UTCNow(), id)
}

// DeleteOrganization archives an organization. Organizations are never
// hard-deleted because audit history references them, and externally
// sourced organizations cannot be removed at all.
func (s *Store) DeleteOrganization(ctx context.Context, id int64) error {
	org, err := s.GetOrganization(ctx, id)
	if err != nil {
		return err
	}
	if org.ExternallySourced {
		return ErrExternallySourced
	}
	return s.SetOrganizationStatus(ctx, id, OrgStatusArchived)
}

// execOne runs an update that must touch exactly one row
func (s *Store) execOne(ctx context.Context, notFound error, op, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

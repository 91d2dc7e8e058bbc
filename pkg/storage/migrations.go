package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// column types that differ between dialects
type columnTypes struct {
	serial    string
	json      string
	timestamp string
	boolean   string
	real      string
}

func typesFor(d Dialect) columnTypes {
	if d == DialectSQLite {
		return columnTypes{
			serial:    "INTEGER PRIMARY KEY AUTOINCREMENT",
			json:      "TEXT",
			timestamp: "TIMESTAMP",
			boolean:   "BOOLEAN",
			real:      "REAL",
		}
	}
	return columnTypes{
		serial:    "BIGSERIAL PRIMARY KEY",
		json:      "JSONB",
		timestamp: "TIMESTAMPTZ",
		boolean:   "BOOLEAN",
		real:      "DOUBLE PRECISION",
	}
}

func render(d Dialect, sqlText string) string {
	t := typesFor(d)
	return strings.NewReplacer(
		"{{serial}}", t.serial,
		"{{json}}", t.json,
		"{{ts}}", t.timestamp,
		"{{bool}}", t.boolean,
		"{{real}}", t.real,
	).Replace(sqlText)
}

// GetMigrations returns every schema migration rendered for the dialect
func GetMigrations(d Dialect) []Migration {
	raw := []Migration{
		{
			Version:     1,
			Description: "Create principals and organizations tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS principals (
					id {{serial}},
					external_ref VARCHAR(255) NOT NULL UNIQUE,
					status VARCHAR(32) NOT NULL,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);

				CREATE TABLE IF NOT EXISTS organizations (
					id {{serial}},
					name VARCHAR(255) NOT NULL,
					status VARCHAR(32) NOT NULL,
					externally_sourced {{bool}} NOT NULL DEFAULT FALSE,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL
				);
			`,
		},
		{
			Version:     2,
			Description: "Create role templates and memberships tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_templates (
					id {{serial}},
					organization_id BIGINT REFERENCES organizations(id),
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					parent_id BIGINT REFERENCES role_templates(id),
					capabilities {{json}} NOT NULL,
					is_built_in {{bool}} NOT NULL DEFAULT FALSE,
					created_by BIGINT,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL,
					UNIQUE(organization_id, name)
				);

				CREATE INDEX IF NOT EXISTS idx_role_templates_parent ON role_templates(parent_id);

				CREATE TABLE IF NOT EXISTS memberships (
					id {{serial}},
					principal_id BIGINT NOT NULL REFERENCES principals(id),
					organization_id BIGINT NOT NULL REFERENCES organizations(id),
					role_id BIGINT NOT NULL REFERENCES role_templates(id),
					overrides {{json}} NOT NULL,
					version BIGINT NOT NULL DEFAULT 1,
					created_at {{ts}} NOT NULL,
					updated_at {{ts}} NOT NULL,
					UNIQUE(principal_id, organization_id)
				);

				CREATE INDEX IF NOT EXISTS idx_memberships_org ON memberships(organization_id);
				CREATE INDEX IF NOT EXISTS idx_memberships_role ON memberships(role_id);
			`,
		},
		{
			Version:     3,
			Description: "Create audit events and rollback records tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_events (
					id {{serial}},
					event_id VARCHAR(64) NOT NULL UNIQUE,
					actor_id BIGINT NOT NULL,
					organization_id BIGINT NOT NULL,
					action VARCHAR(128) NOT NULL,
					resource_type VARCHAR(64) NOT NULL,
					resource_id VARCHAR(255) NOT NULL,
					before_state {{json}},
					after_state {{json}},
					reason TEXT NOT NULL DEFAULT '',
					batch_id VARCHAR(64),
					batch_size INTEGER NOT NULL DEFAULT 0,
					batch_index INTEGER NOT NULL DEFAULT 0,
					correlation_id VARCHAR(255) NOT NULL DEFAULT '',
					correlation_source VARCHAR(255) NOT NULL DEFAULT '',
					created_at {{ts}} NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_audit_events_org_time ON audit_events(organization_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_audit_events_actor_time ON audit_events(actor_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_audit_events_resource ON audit_events(resource_type, resource_id);
				CREATE INDEX IF NOT EXISTS idx_audit_events_batch ON audit_events(batch_id);

				CREATE TABLE IF NOT EXISTS rollback_records (
					batch_id VARCHAR(64) PRIMARY KEY,
					organization_id BIGINT NOT NULL,
					kind VARCHAR(64) NOT NULL,
					prior_state {{json}} NOT NULL,
					created_by BIGINT NOT NULL,
					created_at {{ts}} NOT NULL,
					expires_at {{ts}} NOT NULL,
					consumed_at {{ts}}
				);

				CREATE INDEX IF NOT EXISTS idx_rollback_records_expires ON rollback_records(expires_at);
			`,
		},
		{
			Version:     4,
			Description: "Create anomaly alerts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS anomaly_alerts (
					id VARCHAR(64) PRIMARY KEY,
					principal_id BIGINT NOT NULL,
					organization_id BIGINT NOT NULL,
					severity VARCHAR(16) NOT NULL,
					reasons {{json}} NOT NULL,
					record_count INTEGER NOT NULL,
					baseline_confidence {{real}} NOT NULL,
					contained {{bool}} NOT NULL DEFAULT FALSE,
					created_at {{ts}} NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_anomaly_alerts_org_time ON anomaly_alerts(organization_id, created_at);
			`,
		},
	}

	out := make([]Migration, len(raw))
	for i, m := range raw {
		m.SQL = render(d, m.SQL)
		out[i] = m
	}
	return out
}

// RunMigrations applies every pending migration, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, d Dialect) error {
	_, err := db.ExecContext(ctx, render(d, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at {{ts}} NOT NULL
		)
	`))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations(d) {
		if applied[migration.Version] {
			continue
		}

		m := migration
		err := WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
				m.Version, m.Description, UTCNow(),
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

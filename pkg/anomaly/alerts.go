package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// Alert is an append-only record of anomalous access. It holds counts and
// reasons, never the values that were read.
type Alert struct {
	ID                 string    `json:"id"`
	PrincipalID        int64     `json:"principal_id"`
	OrganizationID     int64     `json:"organization_id"`
	Severity           Severity  `json:"severity"`
	Reasons            []Reason  `json:"reasons"`
	RecordCount        int       `json:"record_count"`
	BaselineConfidence float64   `json:"baseline_confidence"`
	Contained          bool      `json:"contained"`
	CreatedAt          time.Time `json:"created_at"`
}

// AlertStore persists alerts
type AlertStore struct {
	db storage.DBTX
}

// NewAlertStore creates an alert store
func NewAlertStore(db storage.DBTX) *AlertStore {
	return &AlertStore{db: db}
}

// Insert appends an alert
func (s *AlertStore) Insert(ctx context.Context, a *Alert) error {
	reasons, err := json.Marshal(a.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anomaly_alerts (id, principal_id, organization_id, severity, reasons, record_count, baseline_confidence, contained, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.PrincipalID, a.OrganizationID, a.Severity.String(), string(reasons),
		a.RecordCount, a.BaselineConfidence, a.Contained, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// List returns an organization's alerts created at or after since, newest
// first
func (s *AlertStore) List(ctx context.Context, orgID int64, since time.Time, limit int) ([]*Alert, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, organization_id, severity, reasons, record_count, baseline_confidence, contained, created_at
		FROM anomaly_alerts
		WHERE organization_id = $1 AND created_at >= $2
		ORDER BY created_at DESC, id
		LIMIT $3
	`, orgID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*Alert, 0)
	for rows.Next() {
		var (
			a        Alert
			severity string
			reasons  string
		)
		if err := rows.Scan(&a.ID, &a.PrincipalID, &a.OrganizationID, &severity, &reasons,
			&a.RecordCount, &a.BaselineConfidence, &a.Contained, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if a.Severity, err = ParseSeverity(severity); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(reasons), &a.Reasons); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reasons: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// queryBuilder numbers placeholders as arguments are added
type queryBuilder struct {
	where []string
	args  []interface{}
}

func (b *queryBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *queryBuilder) add(clause string, v interface{}) {
	b.where = append(b.where, fmt.Sprintf(clause, b.arg(v)))
}

// inOrgs restricts organization_id to ids. Postgres binds the whole list as
// one array parameter; sqlite gets one placeholder per id.
func (b *queryBuilder) inOrgs(d storage.Dialect, ids []int64) {
	if d == storage.DialectPostgres {
		b.add("organization_id = ANY(%s)", pq.Array(ids))
		return
	}
	ph := make([]string, len(ids))
	for i, id := range ids {
		ph[i] = b.arg(id)
	}
	b.where = append(b.where, "organization_id IN ("+strings.Join(ph, ", ")+")")
}

func (b *queryBuilder) clause() string {
	if len(b.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.where, " AND ")
}

// readableOrgs intersects the requester's organizations with an optional
// requested one. An empty result means nothing is visible.
func (s *EventStore) readableOrgs(ctx context.Context, requesterID int64, requested *int64) ([]int64, error) {
	if s.scope == nil {
		return nil, errors.New("audit store has no scope resolver")
	}
	ids, err := s.scope.ListOrganizationIDs(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audit scope: %w", err)
	}
	if requested == nil {
		return ids, nil
	}
	for _, id := range ids {
		if id == *requested {
			return []int64{id}, nil
		}
	}
	return nil, nil
}

// Search returns events matching filter from the organizations the requester
// belongs to, newest first. Asking for another organization yields an empty
// page rather than an error.
func (s *EventStore) Search(ctx context.Context, requesterID int64, filter SearchFilter) (*Page, error) {
	filter.normalize()
	page := &Page{Events: []*Event{}, Limit: filter.Limit, Offset: filter.Offset}

	orgIDs, err := s.readableOrgs(ctx, requesterID, filter.OrganizationID)
	if err != nil {
		return nil, err
	}
	if len(orgIDs) == 0 {
		return page, nil
	}

	b := &queryBuilder{}
	b.inOrgs(s.dialect, orgIDs)
	if filter.ActorID != nil {
		b.add("actor_id = %s", *filter.ActorID)
	}
	if filter.ResourceType != "" {
		b.add("resource_type = %s", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		b.add("resource_id = %s", filter.ResourceID)
	}
	if filter.BatchID != "" {
		b.add("batch_id = %s", filter.BatchID)
	}
	if len(filter.Actions) > 0 {
		ph := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			ph[i] = b.arg(string(a))
		}
		b.where = append(b.where, "action IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.StartTime != nil {
		b.add("created_at >= %s", filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		b.add("created_at < %s", filter.EndTime.UTC())
	}

	// one extra row tells us whether another page exists
	query := `SELECT ` + eventColumns + ` FROM audit_events` + b.clause() +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s", b.arg(filter.Limit+1), b.arg(filter.Offset))

	events, err := s.queryEvents(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	if len(events) > filter.Limit {
		events = events[:filter.Limit]
		next := filter.Offset + filter.Limit
		page.NextOffset = &next
	}
	page.Events = events
	return page, nil
}

// Get returns one event by its public id if the requester may read it
func (s *EventStore) Get(ctx context.Context, requesterID int64, eventID string) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE event_id = $1`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}

	orgIDs, err := s.readableOrgs(ctx, requesterID, &ev.OrganizationID)
	if err != nil {
		return nil, err
	}
	if len(orgIDs) == 0 {
		return nil, ErrEventNotFound
	}
	return ev, nil
}

// BatchEvents returns every event of a batch ordered by index. It is not
// scoped and serves internal callers such as rollback.
func (s *EventStore) BatchEvents(ctx context.Context, batchID string) ([]*Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE batch_id = $1 ORDER BY batch_index ASC`, batchID)
}

// SensitiveAccess returns a principal's sensitive access events since the
// given time, oldest first. Baselines are recomputed from it.
func (s *EventStore) SensitiveAccess(ctx context.Context, principalID int64, since time.Time) ([]*Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		WHERE actor_id = $1 AND action = $2 AND created_at >= $3
		ORDER BY created_at ASC, id ASC
	`, principalID, string(ActionSensitiveAccess), since.UTC())
}

// OrganizationWindow returns an organization's events in [start, end),
// oldest first. The archiver reads through it.
func (s *EventStore) OrganizationWindow(ctx context.Context, orgID int64, start, end time.Time) ([]*Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+`
		FROM audit_events
		WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC, id ASC
	`, orgID, start.UTC(), end.UTC())
}

func (s *EventStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}

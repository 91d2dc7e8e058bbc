package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/tenantguard/pkg/audit")

// ObjectStore is the destination for archived audit windows.
// *postgres.S3Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// OrganizationLister enumerates the organizations to archive
type OrganizationLister interface {
	AllOrganizationIDs(ctx context.Context) ([]int64, error)
}

// Archiver copies closed windows of the ledger to object storage as NDJSON.
// The ledger itself is never modified.
type Archiver struct {
	events  *EventStore
	objects ObjectStore
	orgs    OrganizationLister
	prefix  string
	logger  *observability.Logger
}

// NewArchiver creates an archiver writing under prefix
func NewArchiver(events *EventStore, objects ObjectStore, orgs OrganizationLister, prefix string, logger *observability.Logger) *Archiver {
	if prefix == "" {
		prefix = "audit"
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Archiver{events: events, objects: objects, orgs: orgs, prefix: prefix, logger: logger}
}

// ArchiveKey names the object holding one organization's window starting at
// start, e.g. audit/42/2026/10/19/20261019T000000Z-24h.ndjson
func ArchiveKey(prefix string, orgID int64, start time.Time, window time.Duration) string {
	start = start.UTC()
	name := fmt.Sprintf("%s-%s.ndjson", start.Format("20060102T150405Z"), formatWindow(window))
	return path.Join(prefix, fmt.Sprintf("%d", orgID), start.Format("2006"), start.Format("01"), start.Format("02"), name)
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int64(d/time.Hour))
	}
	return fmt.Sprintf("%dm", int64(d/time.Minute))
}

// ArchiveDay writes the UTC day containing day for every organization with
// events in it, returning the number of objects written. Windows already in
// the object store are skipped, so a failed run can simply be repeated.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "audit.ArchiveDay")
	defer span.End()

	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	span.SetAttributes(attribute.String("audit.day", start.Format("2006-01-02")))

	ids, err := a.orgs.AllOrganizationIDs(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list organizations failed")
		return 0, fmt.Errorf("failed to list organizations: %w", err)
	}

	written := 0
	for _, orgID := range ids {
		key := ArchiveKey(a.prefix, orgID, start, end.Sub(start))
		exists, err := a.objects.ObjectExists(ctx, key)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "existence check failed")
			return written, fmt.Errorf("failed to check %s: %w", key, err)
		}
		if exists {
			continue
		}

		events, err := a.events.OrganizationWindow(ctx, orgID, start, end)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read window failed")
			return written, fmt.Errorf("failed to read organization %d: %w", orgID, err)
		}
		if len(events) == 0 {
			continue
		}

		var buf bytes.Buffer
		if err := WriteNDJSON(&buf, events); err != nil {
			return written, err
		}
		if err := a.objects.PutObject(ctx, key, &buf, ExportFormatNDJSON.ContentType()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upload failed")
			return written, fmt.Errorf("failed to archive %s: %w", key, err)
		}
		written++
		a.logger.WithFields(map[string]interface{}{
			"organization_id": orgID,
			"key":             key,
			"events":          len(events),
		}).Info("archived audit window")
	}

	span.SetAttributes(attribute.Int("audit.objects", written))
	span.SetStatus(codes.Ok, "")
	return written, nil
}

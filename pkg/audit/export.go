package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ParseExportFormat validates a requested format, defaulting to JSON
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "":
		return ExportFormatJSON, nil
	case ExportFormatJSON, ExportFormatCSV, ExportFormatNDJSON:
		return ExportFormat(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// ContentType returns the MIME type written for the format
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

type eventWriter interface {
	write(ev *Event) error
	close() error
}

// Export streams every event matching filter to w, paging through Search
// so memory stays bounded. filter.Limit sets the page size; offset and the
// requester's scope are honoured exactly as in Search.
func (s *EventStore) Export(ctx context.Context, requesterID int64, filter SearchFilter, format ExportFormat, w io.Writer) (int, error) {
	var ew eventWriter
	switch format {
	case ExportFormatJSON:
		ew = &jsonArrayWriter{w: w}
	case ExportFormatNDJSON:
		ew = &ndjsonWriter{enc: json.NewEncoder(w)}
	case ExportFormatCSV:
		ew = &csvWriter{w: csv.NewWriter(w)}
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	filter.normalize()
	count := 0
	for {
		page, err := s.Search(ctx, requesterID, filter)
		if err != nil {
			return count, err
		}
		for _, ev := range page.Events {
			if err := ew.write(ev); err != nil {
				return count, err
			}
			count++
		}
		if page.NextOffset == nil {
			break
		}
		filter.Offset = *page.NextOffset
	}
	return count, ew.close()
}

// WriteNDJSON encodes events one per line
func WriteNDJSON(w io.Writer, events []*Event) error {
	nw := &ndjsonWriter{enc: json.NewEncoder(w)}
	for _, ev := range events {
		if err := nw.write(ev); err != nil {
			return err
		}
	}
	return nw.close()
}

type jsonArrayWriter struct {
	w       io.Writer
	started bool
}

func (j *jsonArrayWriter) write(ev *Event) error {
	prefix := ","
	if !j.started {
		prefix = "["
		j.started = true
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := io.WriteString(j.w, prefix); err != nil {
		return err
	}
	_, err = j.w.Write(data)
	return err
}

func (j *jsonArrayWriter) close() error {
	if !j.started {
		_, err := io.WriteString(j.w, "[]\n")
		return err
	}
	_, err := io.WriteString(j.w, "]\n")
	return err
}

type ndjsonWriter struct {
	enc *json.Encoder
}

func (n *ndjsonWriter) write(ev *Event) error {
	if err := n.enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

func (n *ndjsonWriter) close() error { return nil }

var csvHeader = []string{
	"EventID",
	"CreatedAt",
	"Action",
	"ActorID",
	"OrganizationID",
	"ResourceType",
	"ResourceID",
	"BatchID",
	"BatchIndex",
	"BatchSize",
	"Reason",
	"CorrelationID",
	"CorrelationSource",
	"Before",
	"After",
}

type csvWriter struct {
	w      *csv.Writer
	header bool
}

func (c *csvWriter) write(ev *Event) error {
	if !c.header {
		if err := c.w.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
		c.header = true
	}

	before, err := snapshotColumn(ev.Before)
	if err != nil {
		return err
	}
	after, err := snapshotColumn(ev.After)
	if err != nil {
		return err
	}
	row := []string{
		ev.EventID,
		ev.CreatedAt.Format(time.RFC3339Nano),
		string(ev.Action),
		strconv.FormatInt(ev.ActorID, 10),
		strconv.FormatInt(ev.OrganizationID, 10),
		ev.ResourceType,
		ev.ResourceID,
		ev.BatchID,
		formatBatchInt(ev.BatchID, ev.BatchIndex),
		formatBatchInt(ev.BatchID, ev.BatchSize),
		ev.Reason,
		ev.CorrelationID,
		ev.CorrelationSource,
		before,
		after,
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %w", err)
	}
	return nil
}

func (c *csvWriter) close() error {
	if !c.header {
		if err := c.w.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

func snapshotColumn(snap Snapshot) (string, error) {
	if snap == nil {
		return "", nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return string(data), nil
}

// formatBatchInt leaves batch columns empty for unbatched events
func formatBatchInt(batchID string, v int) string {
	if batchID == "" {
		return ""
	}
	return strconv.Itoa(v)
}

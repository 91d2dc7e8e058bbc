package baseline

import (
	"github.com/platinummonkey/tenantguard/pkg/audit"
)

// Record returns the audit record describing ev. Only counts and access
// context are recorded.
func (ev AccessEvent) Record() audit.Record {
	after := audit.Snapshot{
		"record_count": ev.RecordCount,
		"resource":     ev.Resource,
	}
	if ev.Origin != "" {
		after["origin"] = ev.Origin
	}
	if ev.ClientSignature != "" {
		after["client_signature"] = ev.ClientSignature
	}
	if ev.MaskedFieldFilters > 0 {
		after["masked_field_filters"] = ev.MaskedFieldFilters
	}
	if ev.MaskedFieldSort {
		after["masked_field_sort"] = true
	}
	return audit.Record{
		Action:       audit.ActionSensitiveAccess,
		ResourceType: audit.ResourceRecord,
		ResourceID:   ev.Resource,
		After:        after,
	}
}

// FromAuditEvents converts sensitive access events back into AccessEvents.
// Other actions are skipped.
func FromAuditEvents(events []*audit.Event) []AccessEvent {
	out := make([]AccessEvent, 0, len(events))
	for _, e := range events {
		if e.Action != audit.ActionSensitiveAccess {
			continue
		}
		out = append(out, AccessEvent{
			AuditID:            e.ID,
			PrincipalID:        e.ActorID,
			OrganizationID:     e.OrganizationID,
			At:                 e.CreatedAt,
			Resource:           e.ResourceID,
			RecordCount:        intField(e.After, "record_count"),
			Origin:             stringField(e.After, "origin"),
			ClientSignature:    stringField(e.After, "client_signature"),
			MaskedFieldFilters: intField(e.After, "masked_field_filters"),
			MaskedFieldSort:    e.After["masked_field_sort"] == true,
		})
	}
	return out
}

func intField(s audit.Snapshot, key string) int {
	switch v := s[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func stringField(s audit.Snapshot, key string) string {
	v, _ := s[key].(string)
	return v
}

package audit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// Handlers provides HTTP handlers for the audit search API. The requesting
// principal must already be on the request context.
type Handlers struct {
	store *EventStore
}

// NewHandlers creates new audit handlers
func NewHandlers(store *EventStore) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers audit log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/events", h.listEvents).Methods("GET")
	router.HandleFunc("/audit/events/{id}", h.getEvent).Methods("GET")
	router.HandleFunc("/audit/export", h.exportEvents).Methods("GET")
}

// listEvents handles GET /audit/events
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	requester, ok := observability.GetPrincipalID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	filter, err := ParseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	page, err := h.store.Search(r.Context(), requester, filter)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// getEvent handles GET /audit/events/{id}
func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	requester, ok := observability.GetPrincipalID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	event, err := h.store.Get(r.Context(), requester, id)
	if errors.Is(err, ErrEventNotFound) {
		httputil.WriteNotFoundError(w, "event not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, event)
}

// exportEvents handles GET /audit/export
func (h *Handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	requester, ok := observability.GetPrincipalID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	filter, err := ParseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	format, err := ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if r.URL.Query().Get("limit") == "" {
		filter.Limit = MaxPageSize
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-events.%s", format))
	if _, err := h.store.Export(r.Context(), requester, filter, format, w); err != nil {
		// headers are gone once streaming starts; log and cut the body short
		observability.FromContext(r.Context()).WithError(err).Error("audit export failed")
	}
}

// ParseFilter reads a SearchFilter from query parameters. Malformed values
// are rejected rather than ignored.
func ParseFilter(r *http.Request) (SearchFilter, error) {
	query := r.URL.Query()
	filter := SearchFilter{}

	start, err := httputil.ParseQueryTime(r, "start_time")
	if err != nil {
		return filter, err
	}
	if !start.IsZero() {
		filter.StartTime = &start
	}
	end, err := httputil.ParseQueryTime(r, "end_time")
	if err != nil {
		return filter, err
	}
	if !end.IsZero() {
		filter.EndTime = &end
	}

	for key, dest := range map[string]**int64{
		"organization_id": &filter.OrganizationID,
		"actor_id":        &filter.ActorID,
	} {
		if v := query.Get(key); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return filter, fmt.Errorf("invalid %s: %s", key, v)
			}
			*dest = &id
		}
	}

	filter.ResourceType = query.Get("resource_type")
	filter.ResourceID = query.Get("resource_id")
	filter.BatchID = query.Get("batch_id")
	for _, a := range parseCommaSeparated(query.Get("actions")) {
		filter.Actions = append(filter.Actions, Action(a))
	}

	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", DefaultPageSize); err != nil {
		return filter, err
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

// parseCommaSeparated parses a comma-separated string into a slice
func parseCommaSeparated(s string) []string {
	var result []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}
	return result
}

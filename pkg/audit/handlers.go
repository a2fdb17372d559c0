package audit

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/circles/pkg/httputil"
)

const tracerName = "github.com/platinummonkey/circles/pkg/audit"

// Handlers provides HTTP handlers for the audit dashboard
type Handlers struct {
	log *Log
}

// NewHandlers creates new audit handlers
func NewHandlers(log *Log) *Handlers {
	return &Handlers{log: log}
}

// RegisterRoutes registers audit routes behind gate, which must enforce the
// view_audit_log platform capability
func (h *Handlers) RegisterRoutes(router *mux.Router, gate mux.MiddlewareFunc) {
	sub := router.PathPrefix("/v1/audit").Subrouter()
	sub.Use(gate)
	sub.HandleFunc("/entries", h.listEntries).Methods("GET")
	sub.HandleFunc("/stats", h.getStats).Methods("GET")
	sub.HandleFunc("/export", h.exportEntries).Methods("GET")
}

// listEntries handles GET /v1/audit/entries
func (h *Handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	entries, total, err := h.log.Query(r.Context(), filter)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	filter = clampPage(filter)
	httputil.WriteSuccess(w, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// getStats handles GET /v1/audit/stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	stats, err := h.log.Stats(r.Context(), filter)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	httputil.WriteSuccess(w, stats)
}

// exportEntries handles GET /v1/audit/export
func (h *Handlers) exportEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	format, err := ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	data, err := h.log.Export(r.Context(), filter, format)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-entries.csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-entries.ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-entries.json")
	}

	w.Write(data)
}

// parseFilter reads action, actor_id, group_id, target_type, start_time, end_time,
// limit and offset from the query string
func parseFilter(r *http.Request) (Filter, error) {
	filter := Filter{
		Action:     Action(httputil.ParseQueryString(r, "action", "")),
		ActorID:    httputil.ParseQueryString(r, "actor_id", ""),
		GroupID:    httputil.ParseQueryString(r, "group_id", ""),
		TargetType: TargetType(httputil.ParseQueryString(r, "target_type", "")),
	}

	var err error
	if filter.StartTime, err = httputil.ParseQueryTime(r, "start_time"); err != nil {
		return filter, badQuery("start_time", err)
	}
	if filter.EndTime, err = httputil.ParseQueryTime(r, "end_time"); err != nil {
		return filter, badQuery("end_time", err)
	}
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", DefaultLimit); err != nil {
		return filter, badQuery("limit", err)
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return filter, badQuery("offset", err)
	}
	if filter.Action != "" && !filter.Action.Valid() {
		return filter, badQuery("action", errUnknownAction(filter.Action))
	}

	return filter, nil
}

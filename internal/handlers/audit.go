package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/opsdeck/shellgate/internal/audit"
)

// QueryAudit returns a filtered page of the tenant's audit trail, newest
// first. Filters: user_id, host_id, session_id, status, since, until (RFC
// 3339), limit, offset.
func QueryAudit(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		TenantID:  tenantID,
		UserID:    q.Get("user_id"),
		SessionID: q.Get("session_id"),
		Status:    q.Get("status"),
	}
	if raw := q.Get("host_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid host ID")
			return
		}
		opts.HostID = uint(id)
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp")
			return
		}
		opts.Since = &t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp")
			return
		}
		opts.Until = &t
	}
	if raw := q.Get("limit"); raw != "" {
		opts.Limit, _ = strconv.Atoi(raw)
	}
	if raw := q.Get("offset"); raw != "" {
		opts.Offset, _ = strconv.Atoi(raw)
	}

	res, err := Audit.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/opsdeck/shellgate/internal/gateway"
	"github.com/opsdeck/shellgate/internal/pump"
	"github.com/opsdeck/shellgate/internal/registry"
)

// ListSessions returns the tenant's sessions across all states.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	infos := Gate.Sessions(tenantID)
	if infos == nil {
		infos = []registry.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": infos})
}

// TerminateSession force-closes one session.
func TerminateSession(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if Gate.Session(tenantID, sessionID) == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if !Gate.CloseSession(sessionID, "terminated by operator") {
		writeError(w, http.StatusConflict, "Session already terminated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// SessionHistory returns a session's bounded command history, oldest first.
// Recently terminated sessions stay queryable for a short grace window; the
// durable record is the audit log.
func SessionHistory(w http.ResponseWriter, r *http.Request) {
	_, _, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	records := Gate.History(sessionID)
	if records == nil {
		records = []registry.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": records})
}

// ExecCommand runs one non-interactive command on a session's transport,
// subject to the same policy and audit path as interactive input.
func ExecCommand(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if Gate.Session(tenantID, sessionID) == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "Command required")
		return
	}

	rec, err := Gate.Execute(r.Context(), sessionID, req.Command)
	switch {
	case errors.Is(err, pump.ErrBlockedByRules):
		writeJSON(w, http.StatusForbidden, rec)
	case errors.Is(err, gateway.ErrNoDriver):
		writeError(w, http.StatusConflict, "Session has no live channel")
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

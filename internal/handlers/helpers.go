// Package handlers exposes the HTTP surface: the terminal WebSocket plus the
// REST endpoints for sessions, hosts, policy and audit. Identity arrives from
// the fronting auth proxy as X-User-ID / X-Tenant-ID headers; requests
// without both are rejected.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/opsdeck/shellgate/internal/audit"
	"github.com/opsdeck/shellgate/internal/crypto"
	"github.com/opsdeck/shellgate/internal/gateway"
	"github.com/opsdeck/shellgate/internal/policy"
)

// Wiring set from main.go during init.
var (
	Gate     *gateway.Gateway
	Audit    *audit.DBSink
	Policies *policy.Store
	Cipher   *crypto.Cipher
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// identity extracts the proxy-asserted caller identity.
func identity(r *http.Request) (userID, tenantID string, ok bool) {
	userID = r.Header.Get("X-User-ID")
	tenantID = r.Header.Get("X-Tenant-ID")
	return userID, tenantID, userID != "" && tenantID != ""
}

// requireIdentity writes a 401 when the identity headers are absent.
func requireIdentity(w http.ResponseWriter, r *http.Request) (userID, tenantID string, ok bool) {
	userID, tenantID, ok = identity(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing identity headers")
	}
	return userID, tenantID, ok
}

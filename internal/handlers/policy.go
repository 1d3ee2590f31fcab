package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/opsdeck/shellgate/internal/database"
	"github.com/opsdeck/shellgate/internal/policy"
)

// EffectivePolicy returns the rule set currently enforced for a host
// (host override, tenant default, or the engine denylist alone). The engine
// denylist always appears merged into deny_patterns, including on
// allowlist-mode rule sets: when the allow list is empty the evaluator falls
// back to those deny patterns, so an empty allowlist never lifts the engine
// floor.
func EffectivePolicy(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var hostID uint
	if raw := r.URL.Query().Get("host_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid host ID")
			return
		}
		hostID = uint(id)
	}

	rs, err := Policies.Effective(tenantID, hostID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Policy resolution failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":           rs.Mode,
		"allow_patterns": patternsOrEmpty(rs.AllowPatterns),
		"deny_patterns":  patternsOrEmpty(rs.DenyPatterns),
		"active":         rs.Active,
	})
}

func patternsOrEmpty(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}

// ListPolicies returns the tenant's configured rule sets.
func ListPolicies(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	rows, err := Policies.List(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Policy list failed")
		return
	}
	if rows == nil {
		rows = []database.PolicyRuleSet{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rule_sets": rows})
}

type policyRequest struct {
	ID            uint     `json:"id"`
	Scope         string   `json:"scope"`
	HostID        uint     `json:"host_id"`
	Mode          string   `json:"mode"`
	AllowPatterns []string `json:"allow_patterns"`
	DenyPatterns  []string `json:"deny_patterns"`
	Active        bool     `json:"active"`
}

// SavePolicy creates or updates a rule set. Changes reach live sessions
// within the store's cache window.
func SavePolicy(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if policy.Mode(req.Mode) != policy.ModeAllowlist && policy.Mode(req.Mode) != policy.ModeDenylist {
		writeError(w, http.StatusBadRequest, "Mode must be allowlist or denylist")
		return
	}

	allow, _ := json.Marshal(patternsOrEmpty(req.AllowPatterns))
	deny, _ := json.Marshal(patternsOrEmpty(req.DenyPatterns))
	row := database.PolicyRuleSet{
		ID:            req.ID,
		TenantID:      tenantID,
		Scope:         req.Scope,
		HostID:        req.HostID,
		Mode:          req.Mode,
		AllowPatterns: string(allow),
		DenyPatterns:  string(deny),
		Active:        req.Active,
	}
	if err := Policies.Save(&row); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, row)
}

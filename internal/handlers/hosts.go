package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opsdeck/shellgate/internal/crypto"
	"github.com/opsdeck/shellgate/internal/database"
	"gorm.io/gorm"
)

type hostResponse struct {
	ID         uint   `json:"id"`
	Name       string `json:"name"`
	Hostname   string `json:"hostname"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	AuthMethod string `json:"auth_method"`
	Credential string `json:"credential"`
	Enabled    bool   `json:"enabled"`
}

func maskHost(h *database.Host) hostResponse {
	secret := h.EncryptedPassword
	if h.AuthMethod == "key" {
		secret = h.EncryptedKey
	}
	return hostResponse{
		ID:         h.ID,
		Name:       h.Name,
		Hostname:   h.Hostname,
		Port:       h.Port,
		Username:   h.Username,
		AuthMethod: h.AuthMethod,
		Credential: crypto.Mask(secret),
		Enabled:    h.Enabled,
	}
}

// ListHosts returns the tenant's host inventory with credentials masked.
func ListHosts(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var hosts []database.Host
	if err := database.DB.Where("tenant_id = ?", tenantID).Order("id").Find(&hosts).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Host list failed")
		return
	}
	resp := make([]hostResponse, len(hosts))
	for i := range hosts {
		resp[i] = maskHost(&hosts[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hosts": resp})
}

type hostRequest struct {
	Name       string `json:"name"`
	Hostname   string `json:"hostname"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	AuthMethod string `json:"auth_method"`
	Password   string `json:"password"`
	PrivateKey string `json:"private_key"`
	Enabled    *bool  `json:"enabled"`
}

// CreateHost registers a host. The credential is encrypted before it touches
// the database; the cleartext never appears in responses or logs.
func CreateHost(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req hostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "Name and hostname required")
		return
	}
	if req.AuthMethod != "password" && req.AuthMethod != "key" {
		writeError(w, http.StatusBadRequest, "Auth method must be password or key")
		return
	}
	if req.Port <= 0 {
		req.Port = 22
	}
	if req.Username == "" {
		req.Username = "root"
	}

	host := database.Host{
		TenantID:   tenantID,
		Name:       req.Name,
		Hostname:   req.Hostname,
		Port:       req.Port,
		Username:   req.Username,
		AuthMethod: req.AuthMethod,
		Enabled:    true,
	}
	if req.Enabled != nil {
		host.Enabled = *req.Enabled
	}
	if err := applyCredential(&host, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := database.DB.Create(&host).Error; err != nil {
		writeError(w, http.StatusConflict, "Host creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, maskHost(&host))
}

// UpdateHost modifies a host. Empty credential fields leave the stored
// secret unchanged.
func UpdateHost(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	host, ok := loadHost(w, r, tenantID)
	if !ok {
		return
	}

	var req hostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name != "" {
		host.Name = req.Name
	}
	if req.Hostname != "" {
		host.Hostname = req.Hostname
	}
	if req.Port > 0 {
		host.Port = req.Port
	}
	if req.Username != "" {
		host.Username = req.Username
	}
	if req.AuthMethod != "" {
		if req.AuthMethod != "password" && req.AuthMethod != "key" {
			writeError(w, http.StatusBadRequest, "Auth method must be password or key")
			return
		}
		host.AuthMethod = req.AuthMethod
	}
	if req.Enabled != nil {
		host.Enabled = *req.Enabled
	}
	if req.Password != "" || req.PrivateKey != "" {
		if err := applyCredential(host, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := database.DB.Save(host).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Host update failed")
		return
	}
	writeJSON(w, http.StatusOK, maskHost(host))
}

// DeleteHost removes a host and terminates any sessions open on it.
func DeleteHost(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	host, ok := loadHost(w, r, tenantID)
	if !ok {
		return
	}
	if err := database.DB.Delete(host).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Host deletion failed")
		return
	}
	Gate.TerminateForHost(host.ID, "host removed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func loadHost(w http.ResponseWriter, r *http.Request, tenantID string) (*database.Host, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "hostID"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return nil, false
	}
	var host database.Host
	err = database.DB.Where("id = ? AND tenant_id = ?", id, tenantID).First(&host).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "Host not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Host lookup failed")
		return nil, false
	}
	return &host, true
}

func applyCredential(host *database.Host, req *hostRequest) error {
	switch host.AuthMethod {
	case "key":
		if req.PrivateKey == "" {
			return errors.New("private key required for key auth")
		}
		enc, err := Cipher.Encrypt(req.PrivateKey)
		if err != nil {
			return err
		}
		host.EncryptedKey = enc
		host.EncryptedPassword = ""
	default:
		if req.Password == "" {
			return errors.New("password required for password auth")
		}
		enc, err := Cipher.Encrypt(req.Password)
		if err != nil {
			return err
		}
		host.EncryptedPassword = enc
		host.EncryptedKey = ""
	}
	return nil
}

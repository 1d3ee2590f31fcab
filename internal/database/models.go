package database

import "time"

// Host is one managed machine operators can open shell sessions to.
// Credentials are stored Fernet-encrypted; which column applies depends on
// AuthMethod ("password" or "key").
type Host struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID          string    `gorm:"not null;index;size:64" json:"tenant_id"`
	Name              string    `gorm:"uniqueIndex;not null" json:"name"`
	Hostname          string    `gorm:"not null" json:"hostname"`
	Port              int       `gorm:"not null;default:22" json:"port"`
	Username          string    `gorm:"not null;default:root" json:"username"`
	AuthMethod        string    `gorm:"not null;default:password" json:"auth_method"`
	EncryptedPassword string    `json:"-"`
	EncryptedKey      string    `json:"-"` // PEM private key, encrypted
	Enabled           bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PolicyRuleSet is a stored command-policy rule set. Scope is either "global"
// (tenant-wide default) or "host" (override for HostID). Pattern columns hold
// JSON arrays of glob strings.
type PolicyRuleSet struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID      string    `gorm:"not null;index;size:64" json:"tenant_id"`
	Scope         string    `gorm:"not null;default:global" json:"scope"`
	HostID        uint      `gorm:"index" json:"host_id"`
	Mode          string    `gorm:"not null;default:denylist" json:"mode"`
	AllowPatterns string    `gorm:"type:text;not null;default:'[]'" json:"-"`
	DenyPatterns  string    `gorm:"type:text;not null;default:'[]'" json:"-"`
	Active        bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CommandAuditLog is one durable audit row per command submission or block
// event. Rows are immutable once written.
type CommandAuditLog struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID      string    `gorm:"index;size:64" json:"tenant_id"`
	UserID        string    `gorm:"index;size:64" json:"user_id"`
	HostID        uint      `gorm:"index" json:"host_id"`
	SessionID     string    `gorm:"index;size:36" json:"session_id"`
	CommandText   string    `gorm:"type:text" json:"command_text"`
	Status        string    `gorm:"not null;index" json:"status"`
	BlockReason   string    `json:"block_reason,omitempty"`
	OutputCapture string    `gorm:"type:text" json:"output_capture,omitempty"`
	ErrorCapture  string    `gorm:"type:text" json:"error_capture,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	ExecutedAt    time.Time `gorm:"index" json:"executed_at"`
	DurationMs    int64     `json:"duration_ms"`
	IPAddress     string    `json:"ip_address,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Setting is a key/value row for runtime settings (e.g. the Fernet key).
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the gateway configuration, loaded from SHELLGATE_* environment
// variables. Timeouts are expressed in seconds to keep the environment surface
// simple; use the duration accessors when wiring components.
type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/shellgate.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/shellgate.log"`

	// PolicyPath optionally points to a YAML file with the default deny
	// patterns and bootstrap rule sets. Empty means built-in defaults only.
	PolicyPath string `envconfig:"POLICY_PATH" default:""`

	PoolCap                   int `envconfig:"POOL_CAP" default:"10"`
	ConnectTimeoutSeconds     int `envconfig:"CONNECT_TIMEOUT_SECONDS" default:"10"`
	IdleTimeoutSSHSeconds     int `envconfig:"IDLE_TIMEOUT_SSH_SECONDS" default:"300"`
	IdleTimeoutSessionSeconds int `envconfig:"IDLE_TIMEOUT_SESSION_SECONDS" default:"1800"`
	ReaperIntervalSeconds     int `envconfig:"REAPER_INTERVAL_SECONDS" default:"60"`
	RetryAttempts             int `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryDelaySeconds         int `envconfig:"RETRY_DELAY_SECONDS" default:"1"`
	MaxSessionsPerUser        int `envconfig:"MAX_SESSIONS_PER_USER" default:"5"`
	HistoryCap                int `envconfig:"HISTORY_CAP" default:"1000"`
	OutputChunkBytes          int `envconfig:"OUTPUT_CHUNK_BYTES" default:"4096"`
	ExecTimeoutSeconds        int `envconfig:"EXEC_TIMEOUT_SECONDS" default:"30"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditQueueSize     int `envconfig:"AUDIT_QUEUE_SIZE" default:"1024"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SHELLGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

func (s Settings) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

func (s Settings) IdleTimeoutSSH() time.Duration {
	return time.Duration(s.IdleTimeoutSSHSeconds) * time.Second
}

func (s Settings) IdleTimeoutSession() time.Duration {
	return time.Duration(s.IdleTimeoutSessionSeconds) * time.Second
}

func (s Settings) ReaperInterval() time.Duration {
	return time.Duration(s.ReaperIntervalSeconds) * time.Second
}

func (s Settings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

func (s Settings) ExecTimeout() time.Duration {
	return time.Duration(s.ExecTimeoutSeconds) * time.Second
}

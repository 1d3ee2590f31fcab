// Package registry tracks live shell sessions: creation, lookup, transport
// binding, per-user caps, idle reaping, and the bounded command history each
// session carries.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/opsdeck/shellgate/internal/audit"
)

// State is a session's lifecycle state.
type State string

const (
	// StatePending means the session exists but its pump is not attached yet.
	StatePending State = "pending"
	// StateActive means a shell channel is live and a browser drives it.
	StateActive State = "active"
	// StateInactive means the browser disconnected; the record survives for
	// a reconnection grace window but carries no channel.
	StateInactive State = "inactive"
	// StateTerminated is final.
	StateTerminated State = "terminated"
)

// CommandRecord is one completed submission in a session's history.
// Immutable once appended.
type CommandRecord struct {
	SessionID   string       `json:"session_id"`
	CommandText string       `json:"command_text"`
	Status      audit.Status `json:"status"`
	BlockReason string       `json:"block_reason,omitempty"`
	// Captures are populated by the one-shot execute path, truncated to the
	// same bound the audit sink applies. Interactive submissions carry none.
	OutputCapture string `json:"output_capture,omitempty"`
	ErrorCapture  string `json:"error_capture,omitempty"`
	// ExitCode is absent for blocked commands and interactive submissions.
	ExitCode   *int          `json:"exit_code,omitempty"`
	ExecutedAt time.Time     `json:"executed_at"`
	Duration   time.Duration `json:"duration"`
}

// Driver is the per-session I/O pump as the registry sees it. Stop must be
// idempotent; the registry invokes it during reaping and termination.
type Driver interface {
	Stop(reason string)
	Input(data []byte) error
	Resize(cols, rows uint16) error
	ExecuteOnce(ctx context.Context, command string, timeout time.Duration) (CommandRecord, error)
}

// Session is one operator's PTY on one host. Mutable fields are guarded by
// the session mutex; callers outside this package use the accessor methods.
// The session never holds cleartext credentials, only the resolved
// connection tuple.
type Session struct {
	ID       string
	UserID   string
	TenantID string
	HostID   uint
	Hostname string
	Port     int
	Username string
	ClientIP string

	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	cols, rows   uint16
	transportID  string
	buffer       []byte
	history      *historyRing
	driver       Driver
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the last activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// TouchActivity advances the activity timestamp. It never moves backwards.
func (s *Session) TouchActivity() {
	now := time.Now()
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// Activate attaches the pump and marks the session Active.
func (s *Session) Activate(d Driver) {
	s.mu.Lock()
	s.driver = d
	s.state = StateActive
	if now := time.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// Driver returns the attached pump, or nil outside the Active state.
func (s *Session) Driver() Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

// TransportID returns the bound browser transport, or "" when unbound.
func (s *Session) TransportID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportID
}

// Size returns the current terminal dimensions.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// SetSize records a PTY resize.
func (s *Session) SetSize(cols, rows uint16) {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
}

// AppendBuffer accumulates input bytes since the last submission boundary.
func (s *Session) AppendBuffer(data []byte) {
	s.mu.Lock()
	s.buffer = append(s.buffer, data...)
	s.mu.Unlock()
}

// TakeBuffer returns the accumulated input bytes and clears the buffer.
func (s *Session) TakeBuffer() []byte {
	s.mu.Lock()
	b := s.buffer
	s.buffer = nil
	s.mu.Unlock()
	return b
}

// AppendHistory adds a completed submission to the bounded history ring.
func (s *Session) AppendHistory(rec CommandRecord) {
	s.mu.Lock()
	s.history.append(rec)
	s.mu.Unlock()
}

// History returns a snapshot of the command history, oldest first.
func (s *Session) History() []CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.snapshot()
}

// Info is the JSON-safe view of a session for the console API.
type Info struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	HostID       uint      `json:"host_id"`
	Hostname     string    `json:"hostname"`
	Username     string    `json:"username"`
	State        State     `json:"state"`
	Bound        bool      `json:"bound"`
	Cols         uint16    `json:"cols"`
	Rows         uint16    `json:"rows"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Snapshot returns the session's current JSON-safe view.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		UserID:       s.UserID,
		TenantID:     s.TenantID,
		HostID:       s.HostID,
		Hostname:     s.Hostname,
		Username:     s.Username,
		State:        s.state,
		Bound:        s.transportID != "",
		Cols:         s.cols,
		Rows:         s.rows,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

// Package audit defines the command audit record, the durable sink
// interface, and the buffered adapter that keeps terminal I/O from ever
// blocking on audit storage.
package audit

import (
	"time"
)

// Status of an audited command submission.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
)

// Record is one audit entry per command submission or block event.
// Immutable once handed to a Sink.
type Record struct {
	ID            string
	TenantID      string
	UserID        string
	HostID        uint
	SessionID     string
	CommandText   string
	Status        Status
	BlockReason   string
	OutputCapture string
	ErrorCapture  string
	// ExitCode is nil for blocked commands and for interactive PTY
	// submissions, whose exit status is not discoverable.
	ExitCode   *int
	ExecutedAt time.Time
	Duration   time.Duration
	IPAddress  string
}

// Sink receives finished audit records. Implementations must be safe for
// concurrent use. Append may block (the database sink does); producers on
// hot paths go through Buffer instead.
type Sink interface {
	Append(rec Record) error
}

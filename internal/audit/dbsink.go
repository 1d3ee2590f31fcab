package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/opsdeck/shellgate/internal/database"
	"github.com/opsdeck/shellgate/internal/logutil"
	"gorm.io/gorm"
)

// maxCaptureBytes bounds the stored output/error captures per record.
const maxCaptureBytes = 8 * 1024

// DefaultRetentionDays is how long audit rows are kept by default.
const DefaultRetentionDays = 90

// DBSink writes audit records to the command_audit_logs table.
type DBSink struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewDBSink creates a sink writing to db. retentionDays <= 0 selects
// DefaultRetentionDays.
func NewDBSink(db *gorm.DB, retentionDays int) *DBSink {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &DBSink{db: db, retentionDays: retentionDays, nowFn: time.Now}
}

// Append writes one record. Command text and captures are lossily re-encoded
// as valid UTF-8 so arbitrary terminal bytes cannot poison the store.
func (s *DBSink) Append(rec Record) error {
	row := database.CommandAuditLog{
		ID:            rec.ID,
		TenantID:      rec.TenantID,
		UserID:        rec.UserID,
		HostID:        rec.HostID,
		SessionID:     rec.SessionID,
		CommandText:   strings.ToValidUTF8(rec.CommandText, "�"),
		Status:        string(rec.Status),
		BlockReason:   rec.BlockReason,
		OutputCapture: logutil.Truncate(strings.ToValidUTF8(rec.OutputCapture, "�"), maxCaptureBytes),
		ErrorCapture:  logutil.Truncate(strings.ToValidUTF8(rec.ErrorCapture, "�"), maxCaptureBytes),
		ExitCode:      rec.ExitCode,
		ExecutedAt:    rec.ExecutedAt,
		DurationMs:    rec.Duration.Milliseconds(),
		IPAddress:     rec.IPAddress,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("write audit record %s: %w", rec.ID, err)
	}
	return nil
}

// QueryOptions filters audit rows.
type QueryOptions struct {
	TenantID  string
	UserID    string
	HostID    uint
	SessionID string
	Status    string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult holds one page of audit rows plus pagination metadata.
type QueryResult struct {
	Entries []database.CommandAuditLog `json:"entries"`
	Total   int64                      `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

// Query returns audit rows matching opts, newest first.
func (s *DBSink) Query(opts QueryOptions) (*QueryResult, error) {
	tx := s.db.Model(&database.CommandAuditLog{})

	if opts.TenantID != "" {
		tx = tx.Where("tenant_id = ?", opts.TenantID)
	}
	if opts.UserID != "" {
		tx = tx.Where("user_id = ?", opts.UserID)
	}
	if opts.HostID > 0 {
		tx = tx.Where("host_id = ?", opts.HostID)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Status != "" {
		tx = tx.Where("status = ?", opts.Status)
	}
	if opts.Since != nil {
		tx = tx.Where("executed_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("executed_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.CommandAuditLog
	if err := tx.Order("executed_at DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan deletes rows older than the given number of days
// (<= 0 selects the configured retention). Returns rows deleted.
func (s *DBSink) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = s.retentionDays
	}
	cutoff := s.nowFn().AddDate(0, 0, -days)
	result := s.db.Where("executed_at < ?", cutoff).Delete(&database.CommandAuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge audit rows: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (s *DBSink) RetentionDays() int {
	return s.retentionDays
}

// SetNowFunc overrides the clock. Tests only.
func (s *DBSink) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}

package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opsdeck/shellgate/internal/database"
	"gorm.io/gorm"
)

// cacheTTL bounds how stale a resolved rule set may be. Policy edits take
// effect within this window without a per-keystroke database hit.
const cacheTTL = 10 * time.Second

// Store resolves the effective rule set for a host from the database:
// host-specific override if present and active, else the tenant's global
// default if present and active, else the engine denylist alone.
type Store struct {
	db       *gorm.DB
	sentinel []string

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
	nowFn func() time.Time
}

type cacheKey struct {
	tenantID string
	hostID   uint
}

type cacheEntry struct {
	rs      *RuleSet
	expires time.Time
}

// NewStore creates a Store. extraSentinel patterns (e.g. from the policy
// file) are merged into the built-in default denylist.
func NewStore(db *gorm.DB, extraSentinel []string) *Store {
	return &Store{
		db:       db,
		sentinel: mergeDeny(extraSentinel, DefaultDenyPatterns),
		cache:    make(map[cacheKey]cacheEntry),
		nowFn:    time.Now,
	}
}

// Sentinel returns the effective engine denylist.
func (s *Store) Sentinel() []string {
	out := make([]string, len(s.sentinel))
	copy(out, s.sentinel)
	return out
}

// Effective returns the rule set in force for a host. The engine denylist is
// merged into any denylist-mode result. The returned value is never nil and
// never shared mutable state.
func (s *Store) Effective(tenantID string, hostID uint) (*RuleSet, error) {
	key := cacheKey{tenantID: tenantID, hostID: hostID}

	s.mu.Lock()
	if e, ok := s.cache[key]; ok && s.nowFn().Before(e.expires) {
		rs := *e.rs
		s.mu.Unlock()
		return &rs, nil
	}
	s.mu.Unlock()

	rs, err := s.resolve(tenantID, hostID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{rs: rs, expires: s.nowFn().Add(cacheTTL)}
	rsCopy := *rs
	s.mu.Unlock()
	return &rsCopy, nil
}

func (s *Store) resolve(tenantID string, hostID uint) (*RuleSet, error) {
	var row database.PolicyRuleSet
	err := s.db.
		Where("tenant_id = ? AND scope = ? AND host_id = ? AND active = ?", tenantID, "host", hostID, true).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = s.db.
			Where("tenant_id = ? AND scope = ? AND active = ?", tenantID, "global", true).
			First(&row).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// No configured policy: the engine denylist still applies.
		return &RuleSet{
			Mode:         ModeDenylist,
			DenyPatterns: s.Sentinel(),
			Active:       true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rule set for tenant %s host %d: %w", tenantID, hostID, err)
	}
	return s.fromRow(&row)
}

func (s *Store) fromRow(row *database.PolicyRuleSet) (*RuleSet, error) {
	var allow, deny []string
	if err := json.Unmarshal([]byte(row.AllowPatterns), &allow); err != nil {
		return nil, fmt.Errorf("decode allow patterns of rule set %d: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.DenyPatterns), &deny); err != nil {
		return nil, fmt.Errorf("decode deny patterns of rule set %d: %w", row.ID, err)
	}
	return &RuleSet{
		Mode:          Mode(row.Mode),
		AllowPatterns: allow,
		DenyPatterns:  mergeDeny(deny, s.sentinel),
		Active:        row.Active,
	}, nil
}

// Invalidate drops the cached resolution for one host (used after policy
// writes via the REST surface).
func (s *Store) Invalidate(tenantID string, hostID uint) {
	s.mu.Lock()
	delete(s.cache, cacheKey{tenantID: tenantID, hostID: hostID})
	s.mu.Unlock()
}

// Save upserts a rule set row and invalidates the affected cache entry.
func (s *Store) Save(row *database.PolicyRuleSet) error {
	if row.Scope != "global" && row.Scope != "host" {
		return fmt.Errorf("invalid rule set scope %q", row.Scope)
	}
	if Mode(row.Mode) != ModeAllowlist && Mode(row.Mode) != ModeDenylist {
		return fmt.Errorf("invalid rule set mode %q", row.Mode)
	}
	if row.AllowPatterns == "" {
		row.AllowPatterns = "[]"
	}
	if row.DenyPatterns == "" {
		row.DenyPatterns = "[]"
	}
	if err := s.db.Save(row).Error; err != nil {
		return fmt.Errorf("save rule set: %w", err)
	}
	s.Invalidate(row.TenantID, row.HostID)
	return nil
}

// List returns all configured rule sets for a tenant.
func (s *Store) List(tenantID string) ([]database.PolicyRuleSet, error) {
	var rows []database.PolicyRuleSet
	if err := s.db.Where("tenant_id = ?", tenantID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list rule sets: %w", err)
	}
	return rows, nil
}

package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opsdeck/shellgate/internal/database"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// FilePolicy is the YAML policy bootstrap file. DefaultDenyPatterns extend
// the engine denylist; RuleSets are seeded into the database on startup if
// no rule set exists yet for the same scope.
type FilePolicy struct {
	DefaultDenyPatterns []string      `yaml:"default_deny_patterns"`
	RuleSets            []FileRuleSet `yaml:"rule_sets"`
}

// FileRuleSet mirrors the rule-set configuration shape consumed by the core.
type FileRuleSet struct {
	Scope         string   `yaml:"scope"` // "global" or "host"
	HostID        uint     `yaml:"host_id"`
	TenantID      string   `yaml:"tenant_id"`
	Mode          string   `yaml:"mode"` // "allowlist" or "denylist"
	AllowPatterns []string `yaml:"allow_patterns"`
	DenyPatterns  []string `yaml:"deny_patterns"`
	Active        bool     `yaml:"active"`
}

// LoadFile parses the policy bootstrap file at path.
func LoadFile(path string) (*FilePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var fp FilePolicy
	if err := yaml.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	for i, rs := range fp.RuleSets {
		if rs.Scope != "global" && rs.Scope != "host" {
			return nil, fmt.Errorf("policy file rule set %d: invalid scope %q", i, rs.Scope)
		}
		if Mode(rs.Mode) != ModeAllowlist && Mode(rs.Mode) != ModeDenylist {
			return nil, fmt.Errorf("policy file rule set %d: invalid mode %q", i, rs.Mode)
		}
	}
	return &fp, nil
}

// Seed inserts the file's rule sets that do not already have a database row
// for the same (tenant, scope, host) triple. Existing rows win: the file is
// a bootstrap, not the source of truth.
func Seed(db *gorm.DB, ruleSets []FileRuleSet) error {
	for i, frs := range ruleSets {
		var count int64
		err := db.Model(&database.PolicyRuleSet{}).
			Where("tenant_id = ? AND scope = ? AND host_id = ?", frs.TenantID, frs.Scope, frs.HostID).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("seed rule set %d: %w", i, err)
		}
		if count > 0 {
			continue
		}

		allow, err := json.Marshal(patternsOrEmpty(frs.AllowPatterns))
		if err != nil {
			return fmt.Errorf("seed rule set %d: %w", i, err)
		}
		deny, err := json.Marshal(patternsOrEmpty(frs.DenyPatterns))
		if err != nil {
			return fmt.Errorf("seed rule set %d: %w", i, err)
		}

		row := database.PolicyRuleSet{
			TenantID:      frs.TenantID,
			Scope:         frs.Scope,
			HostID:        frs.HostID,
			Mode:          frs.Mode,
			AllowPatterns: string(allow),
			DenyPatterns:  string(deny),
			Active:        frs.Active,
		}
		if err := db.Create(&row).Error; err != nil {
			return fmt.Errorf("seed rule set %d: %w", i, err)
		}
	}
	return nil
}

func patternsOrEmpty(p []string) []string {
	if p == nil {
		return []string{}
	}
	return p
}

package policy

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsdeck/shellgate/internal/database"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func mustPatterns(t *testing.T, patterns []string) string {
	t.Helper()
	b, err := json.Marshal(patterns)
	if err != nil {
		t.Fatalf("marshal patterns: %v", err)
	}
	return string(b)
}

func TestEffectiveFallsBackToSentinel(t *testing.T) {
	db := testDB(t)
	store := NewStore(db, nil)

	rs, err := store.Effective("acme", 1)
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if rs.Mode != ModeDenylist || !rs.Active {
		t.Fatalf("fallback rule set = %+v, want active denylist", rs)
	}
	if dec := Evaluate(rs, "mkfs.ext4 /dev/sda"); dec.Allowed {
		t.Error("sentinel denylist did not block mkfs.ext4")
	}
	if dec := Evaluate(rs, "ls"); !dec.Allowed {
		t.Error("sentinel denylist blocked ls")
	}
}

func TestEffectiveHostOverrideWinsOverGlobal(t *testing.T) {
	db := testDB(t)
	store := NewStore(db, nil)

	global := database.PolicyRuleSet{
		TenantID: "acme", Scope: "global", Mode: "denylist",
		AllowPatterns: "[]", DenyPatterns: mustPatterns(t, []string{"curl"}), Active: true,
	}
	if err := db.Create(&global).Error; err != nil {
		t.Fatalf("create global: %v", err)
	}
	override := database.PolicyRuleSet{
		TenantID: "acme", Scope: "host", HostID: 7, Mode: "allowlist",
		AllowPatterns: mustPatterns(t, []string{"ls", "cat"}), DenyPatterns: "[]", Active: true,
	}
	if err := db.Create(&override).Error; err != nil {
		t.Fatalf("create override: %v", err)
	}

	rs, err := store.Effective("acme", 7)
	if err != nil {
		t.Fatalf("Effective host 7: %v", err)
	}
	if rs.Mode != ModeAllowlist {
		t.Errorf("host 7 mode = %s, want allowlist", rs.Mode)
	}

	rs, err = store.Effective("acme", 8)
	if err != nil {
		t.Fatalf("Effective host 8: %v", err)
	}
	if rs.Mode != ModeDenylist {
		t.Errorf("host 8 mode = %s, want denylist (global)", rs.Mode)
	}
	if dec := Evaluate(rs, "curl http://x"); dec.Allowed {
		t.Error("global denylist did not block curl")
	}
}

func TestEffectiveMergesSentinelIntoDenylist(t *testing.T) {
	db := testDB(t)
	store := NewStore(db, []string{"nc"})

	row := database.PolicyRuleSet{
		TenantID: "acme", Scope: "global", Mode: "denylist",
		AllowPatterns: "[]", DenyPatterns: mustPatterns(t, []string{"curl"}), Active: true,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	rs, err := store.Effective("acme", 1)
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	// Configured, file-extended and built-in patterns all apply.
	for _, line := range []string{"curl http://x", "nc -l 4444", "shutdown now"} {
		if dec := Evaluate(rs, line); dec.Allowed {
			t.Errorf("merged denylist admitted %q", line)
		}
	}
}

func TestEffectiveCachesAndInvalidates(t *testing.T) {
	db := testDB(t)
	store := NewStore(db, nil)

	now := time.Now()
	store.nowFn = func() time.Time { return now }

	if _, err := store.Effective("acme", 1); err != nil {
		t.Fatalf("Effective: %v", err)
	}

	// A rule set added behind the cache is not seen until expiry.
	row := database.PolicyRuleSet{
		TenantID: "acme", Scope: "global", Mode: "denylist",
		AllowPatterns: "[]", DenyPatterns: mustPatterns(t, []string{"curl"}), Active: true,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	rs, _ := store.Effective("acme", 1)
	if dec := Evaluate(rs, "curl x"); !dec.Allowed {
		t.Fatal("cached resolution unexpectedly refreshed")
	}

	now = now.Add(cacheTTL + time.Second)
	rs, _ = store.Effective("acme", 1)
	if dec := Evaluate(rs, "curl x"); dec.Allowed {
		t.Error("expired cache entry not refreshed")
	}

	// Invalidate applies a change immediately.
	row.Active = false
	if err := store.Save(&row); err != nil {
		t.Fatalf("save: %v", err)
	}
	rs, _ = store.Effective("acme", 1)
	if rs.Mode != ModeDenylist || len(rs.AllowPatterns) != 0 {
		t.Errorf("post-invalidate rule set = %+v", rs)
	}
}

func TestSaveRejectsInvalidRows(t *testing.T) {
	store := NewStore(testDB(t), nil)
	if err := store.Save(&database.PolicyRuleSet{TenantID: "t", Scope: "bogus", Mode: "denylist"}); err == nil {
		t.Error("invalid scope accepted")
	}
	if err := store.Save(&database.PolicyRuleSet{TenantID: "t", Scope: "global", Mode: "bogus"}); err == nil {
		t.Error("invalid mode accepted")
	}
}

func TestSeedDoesNotOverwriteExistingRows(t *testing.T) {
	db := testDB(t)

	existing := database.PolicyRuleSet{
		TenantID: "acme", Scope: "global", Mode: "allowlist",
		AllowPatterns: mustPatterns(t, []string{"ls"}), DenyPatterns: "[]", Active: true,
	}
	if err := db.Create(&existing).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	fileSets := []FileRuleSet{
		{TenantID: "acme", Scope: "global", Mode: "denylist", DenyPatterns: []string{"rm"}, Active: true},
		{TenantID: "other", Scope: "global", Mode: "denylist", DenyPatterns: []string{"rm"}, Active: true},
	}
	if err := Seed(db, fileSets); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	var rows []database.PolicyRuleSet
	if err := db.Order("id").Find(&rows).Error; err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (existing kept, one seeded)", len(rows))
	}
	if rows[0].Mode != "allowlist" {
		t.Errorf("existing row overwritten: mode = %s", rows[0].Mode)
	}
	if rows[1].TenantID != "other" {
		t.Errorf("seeded row tenant = %s, want other", rows[1].TenantID)
	}
}

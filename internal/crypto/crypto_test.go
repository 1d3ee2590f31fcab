package crypto

import (
	"bytes"
	"path/filepath"
	"testing"

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

func TestEncryptDecryptRoundtrip(t *testing.T) {
	c, err := Load(testDB(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tok, err := c.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if tok == "hunter2" || tok == "" {
		t.Fatal("ciphertext equals or hides nothing")
	}

	got, err := c.Decrypt(tok)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("Decrypt = %q, want hunter2", got)
	}

	// Empty values pass through without a token.
	if tok, _ := c.Encrypt(""); tok != "" {
		t.Error("empty plaintext produced a token")
	}
	if v, err := c.Decrypt(""); err != nil || v != "" {
		t.Errorf("Decrypt empty = (%q, %v)", v, err)
	}
}

func TestLoadReusesPersistedKey(t *testing.T) {
	db := testDB(t)
	c1, err := Load(db)
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	tok, err := c1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	c2, err := Load(db)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	got, err := c2.Decrypt(tok)
	if err != nil {
		t.Fatalf("Decrypt with reloaded key: %v", err)
	}
	if got != "secret" {
		t.Errorf("Decrypt = %q, want secret", got)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, err := Load(testDB(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tok, _ := c.Encrypt("secret")
	if _, err := c.Decrypt(tok[:len(tok)-2] + "xx"); err == nil {
		t.Error("tampered token decrypted")
	}
}

func TestMask(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"abc", "****"},
		{"abcdefgh", "****efgh"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestZero(t *testing.T) {
	b := []byte("sensitive")
	Zero(b)
	if !bytes.Equal(b, make([]byte, len(b))) {
		t.Errorf("Zero left %q", b)
	}
}

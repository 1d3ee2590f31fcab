// Package crypto handles encryption of host credentials at rest.
//
// Credentials are stored as Fernet tokens. The Fernet key lives in the
// settings table and is generated on first use. Decrypt is the single
// boundary where ciphertext becomes cleartext; callers must zero the result
// as soon as it has been handed to the SSH layer.
package crypto

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/opsdeck/shellgate/internal/database"
	"gorm.io/gorm"
)

const keySetting = "fernet_key"

// Cipher encrypts and decrypts credential secrets with a Fernet key loaded
// from (or generated into) the settings table.
type Cipher struct {
	key *fernet.Key
}

// Load returns a Cipher using the stored Fernet key, generating and
// persisting a fresh key if none exists yet.
func Load(db *gorm.DB) (*Cipher, error) {
	keyStr, err := database.GetSetting(db, keySetting)
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(db, keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &Cipher{key: &k}, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt returns the Fernet token for plaintext. Empty input encrypts to
// the empty string.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt verifies and decrypts a Fernet token. Tokens never expire (TTL 0):
// stored credentials stay valid until rotated.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{c.key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

// Mask returns a redacted form of a secret suitable for API responses.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}

// Zero overwrites a byte slice holding secret material.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Package vault implements the credential vault (spec.md §4.1): a pure
// AES-256-GCM codec over per-tenant credential blobs. The vault stores
// nothing itself — callers persist the ciphertext and materialize
// plaintext only for the lifetime of one sync job.
//
// Grounded on the teacher's BYOK encryptor (security/security.go),
// simplified to a single shared master key — no per-tenant DEK hierarchy,
// no key rotation (both explicitly out of scope, spec.md §4.1).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/wbsync/syncengine/internal/syncerr"
)

// Vault encrypts and decrypts tenant credential blobs with a single
// master key, binding each ciphertext to its tenant id as AEAD associated
// data so a ciphertext cannot be replayed under a different tenant.
type Vault struct {
	masterKey []byte
}

// New constructs a Vault from a base64-encoded 256-bit master key.
// Returns a ConfigMissing error if the key is absent or malformed.
func New(masterKeyBase64 string) (*Vault, error) {
	if masterKeyBase64 == "" {
		return nil, syncerr.New(syncerr.ConfigMissing, "vault.New", "master key is not configured")
	}

	key, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ConfigMissing, "vault.New", "master key is not valid base64", err)
	}
	if len(key) != 32 {
		return nil, syncerr.New(syncerr.ConfigMissing, "vault.New", "master key must be 256 bits (32 bytes)")
	}

	return &Vault{masterKey: key}, nil
}

// Encrypt seals plaintext under the master key, returning a base64
// ciphertext scoped to tenantID.
func (v *Vault) Encrypt(tenantID string, plaintext []byte) (string, error) {
	gcm, err := v.gcm()
	if err != nil {
		return "", syncerr.Wrap(syncerr.Internal, "vault.Encrypt", "create cipher", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", syncerr.Wrap(syncerr.Internal, "vault.Encrypt", "generate nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, []byte(tenantID))
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a ciphertext previously produced by Encrypt for the same
// tenantID. Returns CredentialCorrupt if the authentication tag does not
// verify (wrong tenant, tampered ciphertext, or wrong master key).
func (v *Vault) Decrypt(tenantID string, ciphertextB64 string) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Internal, "vault.Decrypt", "create cipher", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CredentialCorrupt, "vault.Decrypt", "ciphertext is not valid base64", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, syncerr.New(syncerr.CredentialCorrupt, "vault.Decrypt", "ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(tenantID))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CredentialCorrupt, "vault.Decrypt", "authentication failed", err)
	}
	return plaintext, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

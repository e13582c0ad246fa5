// Package vault provides symmetric encryption of sensitive fields in provider
// and plugin configuration maps.
//
// Values are encrypted with AES-256-GCM under a key derived from a
// process-wide secret via PBKDF2-HMAC-SHA256. Encrypted values are tagged with
// a marker prefix so that [Vault.DecryptFields] can distinguish ciphertext
// from plaintext and so that double encryption is avoided.
//
// When no secret is configured the vault degrades to a pass-through: encrypt
// logs a warning and leaves values untouched, decrypt returns values
// unchanged. A tagged value that fails authenticated decryption returns
// [ErrDecryptionFailed]; this indicates key rotation without re-encryption or
// data corruption, and must not be silently ignored.
//
// All methods are safe for concurrent use.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Marker is the prefix identifying an encrypted value.
const Marker = "__encrypted__:"

const (
	// kdfIterations is the PBKDF2 iteration count. Fixed by the stored-data
	// format; changing it invalidates all existing ciphertexts.
	kdfIterations = 100_000

	keyLen = 32 // AES-256
)

// kdfSalt is the fixed salt for key derivation. The secret itself is the only
// confidential input; the salt just domain-separates the derived key.
var kdfSalt = []byte("cadenza-credential-vault-v1")

// ErrDecryptionFailed is returned when a tagged value fails authenticated
// decryption.
var ErrDecryptionFailed = errors.New("vault: decryption failed")

// defaultSensitiveFields maps a plugin type or provider kind to the config
// fields that must be encrypted at rest. Extendable at runtime via
// [Vault.RegisterSensitiveFields].
var defaultSensitiveFields = map[string][]string{
	"discord":    {"bot_token"},
	"telegram":   {"bot_token"},
	"slack":      {"bot_token", "signing_secret"},
	"openrouter": {"api_key"},
	"local":      {"api_key"},
	"llm":        {"api_key"},
}

// Vault encrypts and decrypts sensitive configuration fields.
type Vault struct {
	key []byte // nil when no secret is configured

	mu        sync.RWMutex
	sensitive map[string][]string
}

// New derives the encryption key from secret and returns a ready Vault.
// An empty secret yields a pass-through vault (see package docs).
func New(secret string) *Vault {
	v := &Vault{sensitive: make(map[string][]string, len(defaultSensitiveFields))}
	for typ, fields := range defaultSensitiveFields {
		v.sensitive[typ] = append([]string(nil), fields...)
	}
	if secret == "" {
		slog.Warn("vault: no encryption key configured; sensitive fields will be stored in plaintext")
		return v
	}
	v.key = pbkdf2.Key([]byte(secret), kdfSalt, kdfIterations, keyLen, sha256.New)
	return v
}

// RegisterSensitiveFields declares additional sensitive fields for typ.
// Plugins call this during registration to extend the static registry.
// Duplicate field names are ignored.
func (v *Vault) RegisterSensitiveFields(typ string, fields ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	existing := v.sensitive[typ]
	for _, f := range fields {
		found := false
		for _, e := range existing {
			if e == f {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, f)
		}
	}
	v.sensitive[typ] = existing
}

// sensitiveFor returns a snapshot of the sensitive field names for typ.
func (v *Vault) sensitiveFor(typ string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.sensitive[typ]...)
}

// IsEncrypted reports whether value carries the encrypted-value marker.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Marker)
}

// EncryptFields returns a copy of cfg with every sensitive string field for
// typ replaced by its tagged ciphertext. Already-encrypted values and
// non-string values are left untouched. With no key configured the input map
// is copied but otherwise unchanged.
func (v *Vault) EncryptFields(typ string, cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, val := range cfg {
		out[k] = val
	}
	if len(cfg) == 0 {
		return out
	}

	if v.key == nil {
		slog.Warn("vault: encrypt requested without key; leaving fields in plaintext", "type", typ)
		return out
	}

	for _, field := range v.sensitiveFor(typ) {
		raw, ok := out[field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || s == "" || IsEncrypted(s) {
			continue
		}
		ct, err := v.encrypt(s)
		if err != nil {
			slog.Error("vault: encrypt field failed", "type", typ, "field", field, "error", err)
			continue
		}
		out[field] = Marker + ct
	}
	return out
}

// DecryptFields is the inverse of [EncryptFields]. Untagged values pass
// through unchanged. A tagged value that fails authenticated decryption
// yields [ErrDecryptionFailed]; the map is still returned with all other
// fields processed.
func (v *Vault) DecryptFields(typ string, cfg map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(cfg))
	for k, val := range cfg {
		out[k] = val
	}

	var firstErr error
	for _, field := range v.sensitiveFor(typ) {
		raw, ok := out[field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok || !IsEncrypted(s) {
			continue
		}
		pt, err := v.DecryptValue(s)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("vault: field %q: %w", field, err)
			}
			continue
		}
		out[field] = pt
	}
	return out, firstErr
}

// EncryptValue encrypts a single value and returns the tagged ciphertext.
// With no key configured the value is returned unchanged.
func (v *Vault) EncryptValue(value string) (string, error) {
	if v.key == nil {
		return value, nil
	}
	if IsEncrypted(value) {
		return value, nil
	}
	ct, err := v.encrypt(value)
	if err != nil {
		return "", err
	}
	return Marker + ct, nil
}

// DecryptValue decrypts a single tagged value. Untagged values are returned
// unchanged. With no key configured the value is returned unchanged.
func (v *Vault) DecryptValue(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if v.key == nil {
		return value, nil
	}
	return v.decrypt(strings.TrimPrefix(value, Marker))
}

// encrypt seals plaintext with AES-GCM and returns base64(nonce || ciphertext).
func (v *Vault) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decrypt reverses encrypt. Any malformed or tampered input maps to
// [ErrDecryptionFailed].
func (v *Vault) decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return "", ErrDecryptionFailed
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(pt), nil
}

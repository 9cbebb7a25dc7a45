// Package vault encrypts and decrypts stored access tokens with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// ErrMissingKey is returned when no encryption key is configured.
var ErrMissingKey = errors.New("vault: encryption key required")

// Vault seals tokens as base64(nonce || tag || ciphertext).
type Vault struct {
	aead   cipher.AEAD
	logger *slog.Logger
}

// New builds a vault from the configured key. A 64-char hex string or base64 of 32
// bytes is used as-is; anything else is hashed with SHA-256 and a warning is logged.
func New(key string, logger *slog.Logger) (*Vault, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	if logger == nil {
		logger = slog.Default()
	}

	raw, ok := decodeKey(key)
	if !ok {
		logger.Warn("encryption key is not 32 bytes of hex or base64, deriving it with sha256", "event", "vault_weak_key")
		sum := sha256.Sum256([]byte(key))
		raw = sum[:]
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead, logger: logger}, nil
}

func decodeKey(key string) ([]byte, bool) {
	if len(key) == hex.EncodedLen(keySize) {
		if raw, err := hex.DecodeString(key); err == nil {
			return raw, true
		}
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == keySize {
		return raw, true
	}
	return nil, false
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(ciphertext))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. Any failure yields "" and a warning;
// the token itself is never logged.
func (v *Vault) Decrypt(blob string) string {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		v.logger.Warn("token blob is not valid base64", "event", "vault_decrypt_failed")
		return ""
	}
	if len(raw) < nonceSize+tagSize {
		v.logger.Warn("token blob too short", "event", "vault_decrypt_failed", "length", len(raw))
		return ""
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ciphertext := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		v.logger.Warn("token authentication failed", "event", "vault_decrypt_failed")
		return ""
	}
	return string(plaintext)
}

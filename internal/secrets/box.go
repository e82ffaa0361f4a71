// Package secrets wraps credentials and TOTP seeds with authenticated
// encryption before they reach the store, and unwraps them on the way out.
//
// The scheme is AES-256-GCM with a random 12-byte nonce prepended to the
// ciphertext. The process-wide key is derived from the configured key
// material with HKDF-SHA256, so operators may supply either a raw 32-byte
// key (base64) or a passphrase.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the GCM standard nonce size (12 bytes).
	NonceSize = 12
	// KeySize is the AES-256 key length (32 bytes).
	KeySize = 32
)

var (
	// ErrCorrupt is returned when a stored ciphertext fails authentication.
	// Callers must surface it, never coerce it to an empty secret.
	ErrCorrupt = errors.New("secrets: ciphertext corrupt or wrong key")

	errEmptyKey = errors.New("secrets: empty key material")
)

// Box encrypts and decrypts short secrets with a fixed process-wide key.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives an AES-256-GCM box from arbitrary key material.
func NewBox(keyMaterial string) (*Box, error) {
	if keyMaterial == "" {
		return nil, errEmptyKey
	}

	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, []byte(keyMaterial), nil, []byte("mireapprove/secrets/v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64([nonce || ciphertext]),
// suitable for a TEXT column.
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any tampering, truncation, or key mismatch
// yields ErrCorrupt.
func (b *Box) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(sealed) < NonceSize {
		return "", ErrCorrupt
	}
	nonce, data := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrCorrupt
	}
	return string(plaintext), nil
}

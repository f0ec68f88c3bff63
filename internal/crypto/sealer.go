// Package crypto provides AES-256-GCM authenticated encryption for values the
// server hands to browsers and must get back untampered, namely the session
// cookie payload. The key is derived from the process-wide session secret with
// HKDF-SHA256, so one configured secret can key several independent purposes
// without any of them sharing raw key material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	// ErrKeyLengthInvalid is returned when a key is not exactly 32 bytes (required for AES-256).
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when the ciphertext fails base64 decoding or is too short to contain a valid nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when AES-GCM authentication or decryption fails, indicating tampering or a wrong key.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSecretTooShort is returned when the secret given to DeriveSealer is shorter than KeySize.
	ErrSecretTooShort = errors.New("crypto: secret must be at least 32 bytes")
)

// Sealer encrypts and authenticates opaque payloads.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer with a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// DeriveSealer derives a purpose-bound key from secret. Different purpose
// strings yield unrelated keys.
func DeriveSealer(secret, purpose string) (*Sealer, error) {
	key, err := DeriveKey(secret, purpose)
	if err != nil {
		return nil, err
	}
	return NewSealer(key)
}

// DeriveKey expands secret into a 32-byte key bound to purpose.
func DeriveKey(secret, purpose string) ([]byte, error) {
	if len(secret) < KeySize {
		return nil, ErrSecretTooShort
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("prism/"+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext and returns it base64url-encoded with the nonce prefixed.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Sealer) Open(encoded string) ([]byte, error) {
	ciphertext, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCiphertextCorrupted
	}

	nonceLen := s.aead.NonceSize()
	if len(ciphertext) < nonceLen+s.aead.Overhead() {
		return nil, ErrCiphertextCorrupted
	}

	plaintext, err := s.aead.Open(nil, ciphertext[:nonceLen], ciphertext[nonceLen:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GenerateSecret returns n cryptographically random bytes encoded as base64url,
// suitable for the session secret or an invitation token.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

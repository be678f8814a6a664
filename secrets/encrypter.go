// Package secrets encrypts graph template secrets at rest with AES-GCM-256.
// Blobs are URL-safe base64 of nonce||ciphertext so they can be stored as
// plain strings in the template document.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	keySize   = 32
	nonceSize = 12
)

// ErrInvalidKey is returned when the configured key is not URL-safe base64
// of exactly 32 raw bytes.
var ErrInvalidKey = errors.New("key must be URL-safe base64 of 32 raw bytes")

// Encrypter performs symmetric AEAD encryption of secret values. The key is
// read once at startup and never mutated; Encrypter is safe for concurrent
// use.
type Encrypter struct {
	aead cipher.AEAD
}

// New constructs an Encrypter from a URL-safe base64 encoded 256-bit key.
func New(keyB64 string) (*Encrypter, error) {
	if keyB64 == "" {
		return nil, errors.New("encryption key is required")
	}
	key, err := base64.URLEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encrypter{aead: aead}, nil
}

// GenerateKey returns a fresh random key in the encoding New accepts.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *Encrypter) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt.
func (e *Encrypter) Decrypt(blob string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("decode secret blob: %w", err)
	}
	if len(raw) < nonceSize {
		return "", errors.New("secret blob is too short to contain a nonce")
	}
	plaintext, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plaintext), nil
}

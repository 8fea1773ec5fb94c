// Package seal encrypts sensitive request attributes at rest. Wrapped key
// material recovered for netkey tokens passes through the request store; this
// package keeps those values opaque on disk.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of a sealing key in bytes.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrInvalidCiphertext indicates the sealed value is malformed or was
	// produced under a different key.
	ErrInvalidCiphertext = errors.New("invalid sealed value")
)

// Box seals and opens short sensitive values with XChaCha20-Poly1305.
type Box struct {
	aead cipher.AEAD
}

// New creates a Box from a raw 32-byte key.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid seal key size: got %d, want %d", len(key), KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD: %w", err)
	}
	return &Box{aead: aead}, nil
}

// NewRandom creates a Box with a freshly generated key. The key is not
// recoverable; suitable only when sealed values never outlive the process.
func NewRandom() (*Box, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating seal key: %w", err)
	}
	return New(key)
}

// Seal encrypts value and returns a base64 string safe to place in a
// string-valued attribute map.
func (b *Box) Seal(value []byte) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	ct := b.aead.Seal(nonce, nonce, value, nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(ct) < b.aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, body := ct[:b.aead.NonceSize()], ct[b.aead.NonceSize():]
	pt, err := b.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return pt, nil
}

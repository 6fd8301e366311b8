// Package seal encrypts plaintext session events under a session key.
package seal

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a session key.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the length of the XChaCha20-Poly1305 nonce carried per envelope.
const NonceSize = chacha20poly1305.NonceSizeX

var (
	ErrInvalidKey        = errors.New("session key must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Seal encrypts plaintext under the session key with a fresh random nonce.
// The eventID is bound as additional data so a ciphertext cannot be replayed
// under a different event identity.
func Seal(sessionKey []byte, eventID string, plaintext []byte) (nonce, ciphertext []byte, err error) {
	if len(sessionKey) != KeySize {
		return nil, nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(sessionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, []byte(eventID))
	return nonce, ciphertext, nil
}

// Open decrypts a sealed payload produced by Seal. Authentication failure
// (wrong key, tampered ciphertext, or mismatched eventID) returns
// ErrInvalidCiphertext.
func Open(sessionKey []byte, eventID string, nonce, ciphertext []byte) ([]byte, error) {
	if len(sessionKey) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes (got %d): %w", NonceSize, len(nonce), ErrInvalidCiphertext)
	}
	aead, err := chacha20poly1305.NewX(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(eventID))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// NewSessionKey generates a fresh random session key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// Zero overwrites key material in-place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

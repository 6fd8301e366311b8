// Package grant distributes a session's symmetric key to recipient devices
// using ephemeral X25519 key agreement.
//
// Each grant wraps the session key for exactly one recipient: a fresh
// ephemeral key pair is generated, the ECDH shared secret with the
// recipient's long-term public key is expanded through HKDF into a wrapping
// key, and the session key is sealed under it. The ephemeral private key is
// zeroed before Distribute returns, so a later compromise of a long-term key
// cannot recover past session keys.
package grant

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of X25519 public/private keys and session keys.
const KeySize = 32

var (
	ErrInvalidPublicKey  = errors.New("invalid recipient public key")
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidSessionKey = errors.New("session key must be 32 bytes")
	ErrNoRecipients      = errors.New("at least one recipient is required")
	ErrUnwrapFailed      = errors.New("grant unwrap failed")
)

var curve = ecdh.X25519()

// KeyPair holds an X25519 key pair used as a device's long-term identity.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// Zero overwrites the private half in-place.
func (k *KeyPair) Zero() {
	zeroBytes(k.Private)
}

// Recipient identifies a device that must learn a session key.
type Recipient struct {
	DeviceID  string
	PublicKey []byte
}

// Grant wraps one session key for one recipient device. The ephemeral public
// key travels with the ciphertext; the matching private key no longer exists.
type Grant struct {
	SessionID           string    `json:"sessionId"`
	RecipientDeviceID   string    `json:"recipientDeviceId"`
	EphemeralPublicKey  []byte    `json:"ephemeralPublicKey"`
	EncryptedSessionKey []byte    `json:"encryptedSessionKey"`
	KeyVersion          uint32    `json:"keyVersion"`
	CreatedAt           time.Time `json:"createdAt"`
}

// GenerateIdentity produces a fresh long-term X25519 key pair using the
// provided source of randomness.
func GenerateIdentity(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	return KeyPair{
		Public:  append([]byte(nil), priv.PublicKey().Bytes()...),
		Private: append([]byte(nil), priv.Bytes()...),
	}, nil
}

// ValidatePublicKey ensures the provided key parses as an X25519 point of the
// expected size.
func ValidatePublicKey(pub []byte) error {
	if len(pub) != KeySize {
		return fmt.Errorf("public key must be %d bytes (got %d): %w", KeySize, len(pub), ErrInvalidPublicKey)
	}
	if _, err := curve.NewPublicKey(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return nil
}

// Distribute wraps sessionKey for every recipient. Failure for any recipient
// aborts the whole fan-out: a partially distributed key would leave some
// devices unable to read the session, which the caller must surface rather
// than queue.
func Distribute(sessionID string, sessionKey []byte, recipients []Recipient, now time.Time) ([]Grant, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if len(sessionKey) != KeySize {
		return nil, ErrInvalidSessionKey
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if now.IsZero() {
		now = time.Now()
	}

	grants := make([]Grant, 0, len(recipients))
	for _, rcpt := range recipients {
		if rcpt.DeviceID == "" {
			return nil, errors.New("recipient device id is required")
		}
		g, err := wrapForRecipient(sessionID, sessionKey, rcpt, now)
		if err != nil {
			return nil, fmt.Errorf("wrap session key for device %s: %w", rcpt.DeviceID, err)
		}
		grants = append(grants, g)
	}
	return grants, nil
}

func wrapForRecipient(sessionID string, sessionKey []byte, rcpt Recipient, now time.Time) (Grant, error) {
	if err := ValidatePublicKey(rcpt.PublicKey); err != nil {
		return Grant{}, err
	}
	peerPub, err := curve.NewPublicKey(rcpt.PublicKey)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	eph, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return Grant{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPrivBytes := eph.Bytes()
	defer zeroBytes(ephPrivBytes)

	shared, err := eph.ECDH(peerPub)
	if err != nil {
		return Grant{}, fmt.Errorf("derive shared secret: %w", err)
	}
	defer zeroBytes(shared)

	wrapKey, err := deriveWrappingKey(shared, sessionID)
	if err != nil {
		return Grant{}, err
	}
	defer zeroBytes(wrapKey)

	wrapped, err := wrap(wrapKey, sessionKey)
	if err != nil {
		return Grant{}, err
	}

	return Grant{
		SessionID:           sessionID,
		RecipientDeviceID:   rcpt.DeviceID,
		EphemeralPublicKey:  append([]byte(nil), eph.PublicKey().Bytes()...),
		EncryptedSessionKey: wrapped,
		KeyVersion:          1,
		CreatedAt:           now.UTC(),
	}, nil
}

// Open recovers the session key from a grant using the recipient's long-term
// private key. A wrong private key fails authentication; it never yields
// wrong bytes.
func Open(longTermPrivate []byte, g Grant) ([]byte, error) {
	if len(longTermPrivate) != KeySize {
		return nil, ErrInvalidPrivateKey
	}
	priv, err := curve.NewPrivateKey(longTermPrivate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	ephPub, err := curve.NewPublicKey(g.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral public key: %w", ErrUnwrapFailed)
	}

	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	defer zeroBytes(shared)

	wrapKey, err := deriveWrappingKey(shared, g.SessionID)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(wrapKey)

	return unwrap(wrapKey, g.EncryptedSessionKey)
}

func deriveWrappingKey(shared []byte, sessionID string) ([]byte, error) {
	info := []byte("sessionwire/grant/v1/" + sessionID)
	reader := hkdf.New(sha256.New, shared, nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		zeroBytes(key)
		return nil, fmt.Errorf("derive wrapping key: %w", err)
	}
	return key, nil
}

func wrap(wrapKey, sessionKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(sessionKey)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, sessionKey, nil)...)
	return out, nil
}

func unwrap(wrapKey, wrapped []byte) ([]byte, error) {
	if len(wrapped) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("wrapped key too short: %w", ErrUnwrapFailed)
	}
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := wrapped[:chacha20poly1305.NonceSizeX]
	key, err := aead.Open(nil, nonce, wrapped[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Package keystore persists a device's long-term secrets inside a sealed
// file: the X25519 identity key pair plus the grants this device has
// received. Plaintext session keys never enter the vault; they live only in
// the in-memory key cache.
package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sessionwire/sessionwire/internal/crypto/grant"
)

// Backend exposes the vault contract used by the device runtime.
type Backend interface {
	Initialize(ctx context.Context, passphrase string) error
	Unlock(ctx context.Context, passphrase string) error
	StoreIdentity(ctx context.Context, identity grant.KeyPair) error
	LoadIdentity(ctx context.Context) (grant.KeyPair, error)
	StoreGrant(ctx context.Context, g grant.Grant) error
	LoadGrant(ctx context.Context, sessionID string) (grant.Grant, error)
	DeleteGrant(ctx context.Context, sessionID string) error
	ListGrants(ctx context.Context) ([]string, error)
}

const (
	vaultVersion   = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	nonceSize      = chacha20poly1305.NonceSizeX
)

var (
	ErrLocked         = errors.New("vault is locked")
	ErrAlreadyExists  = errors.New("vault already exists")
	ErrNotInitialized = errors.New("vault not initialized")
	ErrInvalidPass    = errors.New("invalid passphrase")
	ErrCorruptFile    = errors.New("corrupted vault")
	ErrNoIdentity     = errors.New("no identity stored")
)

type vaultFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type sealedPayload struct {
	IdentityPublic  []byte                 `json:"identityPublic,omitempty"`
	IdentityPrivate []byte                 `json:"identityPrivate,omitempty"`
	Grants          map[string]grant.Grant `json:"grants,omitempty"`
}

// FileVault is a file-based vault with Argon2id master key derivation. Every
// mutation reseals and rewrites the whole file.
type FileVault struct {
	path      string
	salt      []byte
	masterKey []byte
	identity  grant.KeyPair
	grants    map[string]grant.Grant
	mu        sync.RWMutex
}

// NewFileVault constructs a vault backed by the provided file path.
func NewFileVault(path string) *FileVault {
	return &FileVault{
		path:   path,
		grants: make(map[string]grant.Grant),
	}
}

// Path returns the backing file path (primarily for logging and tests).
func (v *FileVault) Path() string {
	return v.path
}

// Initialize creates the vault file if it does not already exist.
func (v *FileVault) Initialize(ctx context.Context, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}
	if _, err := os.Stat(v.path); err == nil {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create vault directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	v.zeroStateLocked()
	v.salt = salt
	v.masterKey = deriveMasterKey(passphrase, salt)
	v.grants = make(map[string]grant.Grant)

	if err := v.persist(); err != nil {
		return fmt.Errorf("persist vault: %w", err)
	}
	return ctx.Err()
}

// Unlock loads the vault file and derives the master key.
func (v *FileVault) Unlock(ctx context.Context, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	raw, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotInitialized
		}
		return fmt.Errorf("read vault: %w", err)
	}

	var file vaultFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode vault: %w", err)
	}
	if file.Version != vaultVersion {
		return fmt.Errorf("unsupported vault version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}

	master := deriveMasterKey(passphrase, salt)
	payload, err := openPayload(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return err
	}

	v.zeroStateLocked()
	v.masterKey = master
	v.salt = salt
	v.identity = grant.KeyPair{Public: payload.IdentityPublic, Private: payload.IdentityPrivate}
	v.grants = payload.Grants
	if v.grants == nil {
		v.grants = make(map[string]grant.Grant)
	}
	return ctx.Err()
}

// StoreIdentity writes the device's long-term key pair, replacing any
// previous identity.
func (v *FileVault) StoreIdentity(ctx context.Context, identity grant.KeyPair) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureUnlocked(); err != nil {
		return err
	}
	if len(identity.Public) != grant.KeySize || len(identity.Private) != grant.KeySize {
		return fmt.Errorf("identity keys must be %d bytes", grant.KeySize)
	}

	zeroBytes(v.identity.Private)
	v.identity = grant.KeyPair{
		Public:  append([]byte(nil), identity.Public...),
		Private: append([]byte(nil), identity.Private...),
	}
	if err := v.persist(); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	return ctx.Err()
}

// LoadIdentity returns a copy of the stored long-term key pair.
func (v *FileVault) LoadIdentity(ctx context.Context) (grant.KeyPair, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.ensureUnlocked(); err != nil {
		return grant.KeyPair{}, err
	}
	if len(v.identity.Private) == 0 {
		return grant.KeyPair{}, ErrNoIdentity
	}
	return grant.KeyPair{
		Public:  append([]byte(nil), v.identity.Public...),
		Private: append([]byte(nil), v.identity.Private...),
	}, ctx.Err()
}

// StoreGrant writes or overwrites the grant for its session.
func (v *FileVault) StoreGrant(ctx context.Context, g grant.Grant) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureUnlocked(); err != nil {
		return err
	}
	if g.SessionID == "" {
		return fmt.Errorf("grant session id is required")
	}

	if existing, ok := v.grants[g.SessionID]; ok {
		zeroBytes(existing.EncryptedSessionKey)
	}
	v.grants[g.SessionID] = cloneGrant(g)
	if err := v.persist(); err != nil {
		return fmt.Errorf("persist grant: %w", err)
	}
	return ctx.Err()
}

// LoadGrant fetches the grant for a session.
func (v *FileVault) LoadGrant(ctx context.Context, sessionID string) (grant.Grant, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.ensureUnlocked(); err != nil {
		return grant.Grant{}, err
	}
	g, ok := v.grants[sessionID]
	if !ok {
		return grant.Grant{}, os.ErrNotExist
	}
	return cloneGrant(g), ctx.Err()
}

// DeleteGrant removes the grant for a session and persists the change.
func (v *FileVault) DeleteGrant(ctx context.Context, sessionID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureUnlocked(); err != nil {
		return err
	}
	if g, ok := v.grants[sessionID]; ok {
		zeroBytes(g.EncryptedSessionKey)
		delete(v.grants, sessionID)
	}
	if err := v.persist(); err != nil {
		return fmt.Errorf("persist vault after delete: %w", err)
	}
	return ctx.Err()
}

// ListGrants returns sorted session IDs with stored grants.
func (v *FileVault) ListGrants(ctx context.Context) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.ensureUnlocked(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(v.grants))
	for id := range v.grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, ctx.Err()
}

func (v *FileVault) ensureUnlocked() error {
	if len(v.masterKey) == 0 || len(v.salt) == 0 {
		return ErrLocked
	}
	return nil
}

func (v *FileVault) zeroStateLocked() {
	zeroBytes(v.masterKey)
	zeroBytes(v.identity.Private)
	for id, g := range v.grants {
		zeroBytes(g.EncryptedSessionKey)
		delete(v.grants, id)
	}
	v.identity = grant.KeyPair{}
	v.masterKey = nil
}

func (v *FileVault) persist() error {
	if err := v.ensureUnlocked(); err != nil {
		return err
	}

	nonce, ciphertext, err := sealPayload(v.masterKey, sealedPayload{
		IdentityPublic:  v.identity.Public,
		IdentityPrivate: v.identity.Private,
		Grants:          v.grants,
	})
	if err != nil {
		return err
	}

	file := vaultFile{
		Version:    vaultVersion,
		Salt:       base64.StdEncoding.EncodeToString(v.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	serialized, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vault: %w", err)
	}
	return os.WriteFile(v.path, serialized, 0o600)
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func sealPayload(masterKey []byte, payload sealedPayload) ([]byte, []byte, error) {
	if len(masterKey) == 0 {
		return nil, nil, ErrLocked
	}
	if payload.Grants == nil {
		payload.Grants = make(map[string]grant.Grant)
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal vault payload: %w", err)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, serialized, nil)
	zeroBytes(serialized)
	return nonce, ciphertext, nil
}

func openPayload(masterKey, nonce, ciphertext []byte) (sealedPayload, error) {
	if len(masterKey) == 0 {
		return sealedPayload{}, ErrLocked
	}
	if len(ciphertext) == 0 {
		return sealedPayload{Grants: map[string]grant.Grant{}}, nil
	}
	if len(nonce) != nonceSize {
		return sealedPayload{}, fmt.Errorf("invalid nonce size: %w", ErrInvalidPass)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return sealedPayload{}, fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return sealedPayload{}, fmt.Errorf("decrypt vault: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return sealedPayload{}, fmt.Errorf("unmarshal vault payload: %w", ErrCorruptFile)
	}
	return payload, nil
}

func cloneGrant(g grant.Grant) grant.Grant {
	g.EphemeralPublicKey = append([]byte(nil), g.EphemeralPublicKey...)
	g.EncryptedSessionKey = append([]byte(nil), g.EncryptedSessionKey...)
	return g
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

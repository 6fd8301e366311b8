package syncworker

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sessionwire/sessionwire/internal/crypto/grant"
	"github.com/sessionwire/sessionwire/internal/crypto/seal"
	"github.com/sessionwire/sessionwire/internal/keycache"
	"github.com/sessionwire/sessionwire/internal/keystore"
)

func TestGrantKeysCacheHit(t *testing.T) {
	cache := keycache.New()
	key := bytes.Repeat([]byte{0x11}, seal.KeySize)
	cache.Put("user-1", "sess-1", key)

	provider := &GrantKeys{Cache: cache, Vault: keystore.NewFileVault(filepath.Join(t.TempDir(), "v.json"))}
	got, err := provider.SessionKey(context.Background(), "user-1", "sess-1")
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatal("expected cached key")
	}
}

func TestGrantKeysUnwrapsFromVault(t *testing.T) {
	ctx := context.Background()
	vault := keystore.NewFileVault(filepath.Join(t.TempDir(), "vault.json"))
	if err := vault.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize vault: %v", err)
	}

	identity, err := grant.GenerateIdentity(nil)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	if err := vault.StoreIdentity(ctx, identity); err != nil {
		t.Fatalf("store identity: %v", err)
	}

	sessionKey, err := seal.NewSessionKey()
	if err != nil {
		t.Fatalf("new session key: %v", err)
	}
	grants, err := grant.Distribute("sess-1", sessionKey, []grant.Recipient{
		{DeviceID: "dev-1", PublicKey: identity.Public},
	}, time.Now())
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if err := vault.StoreGrant(ctx, grants[0]); err != nil {
		t.Fatalf("store grant: %v", err)
	}

	cache := keycache.New()
	provider := &GrantKeys{Cache: cache, Vault: vault}

	got, err := provider.SessionKey(ctx, "user-1", "sess-1")
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	if !bytes.Equal(got, sessionKey) {
		t.Fatal("expected unwrapped session key")
	}
	// A second lookup must come from the cache.
	if _, ok := cache.Get("user-1", "sess-1"); !ok {
		t.Fatal("expected key cached after unwrap")
	}
}

func TestGrantKeysMissingGrant(t *testing.T) {
	ctx := context.Background()
	vault := keystore.NewFileVault(filepath.Join(t.TempDir(), "vault.json"))
	if err := vault.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize vault: %v", err)
	}

	provider := &GrantKeys{Cache: keycache.New(), Vault: vault}
	if _, err := provider.SessionKey(ctx, "user-1", "missing"); !errors.Is(err, ErrNoSessionKey) {
		t.Fatalf("expected ErrNoSessionKey, got %v", err)
	}
}

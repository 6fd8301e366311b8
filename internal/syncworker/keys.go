package syncworker

import (
	"context"
	"fmt"
	"os"

	"github.com/sessionwire/sessionwire/internal/crypto/grant"
	"github.com/sessionwire/sessionwire/internal/crypto/seal"
	"github.com/sessionwire/sessionwire/internal/keycache"
	"github.com/sessionwire/sessionwire/internal/keystore"
)

// GrantKeys resolves session keys through the in-memory cache, falling back
// to unwrapping the stored grant with the device's long-term identity.
// Unwrapped keys are cached so each grant is opened at most once per process.
type GrantKeys struct {
	Cache *keycache.Cache
	Vault keystore.Backend
}

func (g *GrantKeys) SessionKey(ctx context.Context, userID, sessionID string) ([]byte, error) {
	if key, ok := g.Cache.Get(userID, sessionID); ok {
		return key, nil
	}

	rec, err := g.Vault.LoadGrant(ctx, sessionID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNoSessionKey)
		}
		return nil, fmt.Errorf("load grant: %w", err)
	}

	identity, err := g.Vault.LoadIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	defer identity.Zero()

	key, err := grant.Open(identity.Private, rec)
	if err != nil {
		return nil, fmt.Errorf("unwrap grant for session %s: %w", sessionID, err)
	}

	g.Cache.Put(userID, sessionID, key)
	defer seal.Zero(key)

	// Hand out the cache's copy so our local buffer can be zeroed.
	cached, _ := g.Cache.Get(userID, sessionID)
	return cached, nil
}

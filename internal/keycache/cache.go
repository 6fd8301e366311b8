// Package keycache holds decrypted session keys in process memory.
//
// Keys never touch disk through this package: entries are zeroed on eviction
// and the whole cache is cleared on logout. There is no TTL; a key lives for
// the process lifetime or until an explicit Forget/Clear.
package keycache

import "sync"

type cacheKey struct {
	userID    string
	sessionID string
}

// Cache maps (userID, sessionID) to a plaintext session key. The userID scope
// supports multi-account devices.
type Cache struct {
	mu   sync.RWMutex
	keys map[cacheKey][]byte
}

// New builds an empty cache.
func New() *Cache {
	return &Cache{keys: make(map[cacheKey][]byte)}
}

// Put stores a copy of the session key.
func (c *Cache) Put(userID, sessionID string, key []byte) {
	if userID == "" || sessionID == "" || len(key) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{userID: userID, sessionID: sessionID}
	if existing, ok := c.keys[k]; ok {
		zeroBytes(existing)
	}
	c.keys[k] = append([]byte(nil), key...)
}

// Get returns a copy of the cached key, if present.
func (c *Cache) Get(userID, sessionID string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key, ok := c.keys[cacheKey{userID: userID, sessionID: sessionID}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), key...), true
}

// Forget removes and zeroes a single entry.
func (c *Cache) Forget(userID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey{userID: userID, sessionID: sessionID}
	if key, ok := c.keys[k]; ok {
		zeroBytes(key)
		delete(c.keys, k)
	}
}

// Clear removes and zeroes every entry for the given user. Called on logout.
func (c *Cache) Clear(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, key := range c.keys {
		if k.userID == userID {
			zeroBytes(key)
			delete(c.keys, k)
		}
	}
}

// Len reports the number of cached keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

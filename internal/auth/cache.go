package auth

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/palisade/services/tool_runtime/internal/tool"
)

// AuthCache is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	caller     tool.Caller
	expiresAt  time.Time
	refreshing atomic.Bool
}

// AuthCacheGetResult holds the result of a cache lookup.
type AuthCacheGetResult struct {
	Caller       tool.Caller
	Hit          bool
	NeedsRefresh bool
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// Get performs a non-blocking cache lookup.
func (c *AuthCache) Get(apiKey string) AuthCacheGetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return AuthCacheGetResult{}
	}

	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return AuthCacheGetResult{Caller: entry.caller, Hit: true}
	}

	return AuthCacheGetResult{
		Caller:       entry.caller,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a caller with a fresh TTL.
func (c *AuthCache) Set(apiKey string, caller tool.Caller) {
	c.store.Store(apiKey, &cacheEntry{
		caller:    caller,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}

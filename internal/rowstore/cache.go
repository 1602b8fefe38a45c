package rowstore

import (
	"sync"
	"sync/atomic"
	"time"
)

// dsnCache is a TTL cache with stale-while-revalidate for document
// connection strings. An empty DSN is a negative entry.
type dsnCache struct {
	store sync.Map // map[string]*dsnCacheEntry
	ttl   time.Duration
}

type dsnCacheEntry struct {
	dsn        string
	expiresAt  time.Time
	refreshing atomic.Bool
}

type cacheGetResult struct {
	DSN          string
	Hit          bool
	NeedsRefresh bool // only one caller per stale entry sees true
}

func newDSNCache(ttl time.Duration) *dsnCache {
	return &dsnCache{ttl: ttl}
}

func (c *dsnCache) Get(documentID string) cacheGetResult {
	val, ok := c.store.Load(documentID)
	if !ok {
		return cacheGetResult{}
	}

	entry := val.(*dsnCacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return cacheGetResult{DSN: entry.dsn, Hit: true}
	}

	return cacheGetResult{
		DSN:          entry.dsn,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

func (c *dsnCache) Set(documentID, dsn string) {
	c.store.Store(documentID, &dsnCacheEntry{
		dsn:       dsn,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// releaseRefresh lets another caller retry after a failed refresh.
func (c *dsnCache) releaseRefresh(documentID string) {
	if val, ok := c.store.Load(documentID); ok {
		val.(*dsnCacheEntry).refreshing.Store(false)
	}
}

func (c *dsnCache) Delete(documentID string) {
	c.store.Delete(documentID)
}

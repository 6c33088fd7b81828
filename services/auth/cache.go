package auth

import (
	"sync"
	"time"
)

type AccountCache interface {
	Get(email string) (AdminAccount, bool)
	Set(a AdminAccount)
	Delete(email string)
	DeleteAll()
}

// In memory based implementation of the account cache.
// Lazily expires items from the cache.
// All methods are goroutine safe.
type memAccountCache struct {
	mu         sync.RWMutex
	cache      map[string]cacheItem
	expiration time.Duration
}

type cacheItem struct {
	Account    AdminAccount
	Expiration time.Time
}

func newMemAccountCache(expiration time.Duration) *memAccountCache {
	return &memAccountCache{
		cache:      make(map[string]cacheItem),
		expiration: expiration,
	}
}

func (c *memAccountCache) Get(email string) (AdminAccount, bool) {
	c.mu.RLock()
	item, ok := c.cache[email]
	c.mu.RUnlock()
	if item.Expiration.Before(time.Now()) {
		c.mu.Lock()
		delete(c.cache, email)
		c.mu.Unlock()
		ok = false
	}
	return item.Account, ok
}

func (c *memAccountCache) Set(a AdminAccount) {
	c.mu.Lock()
	c.cache[a.Email] = cacheItem{
		Account:    a,
		Expiration: time.Now().Add(c.expiration),
	}
	c.mu.Unlock()
}

func (c *memAccountCache) Delete(email string) {
	c.mu.Lock()
	delete(c.cache, email)
	c.mu.Unlock()
}

func (c *memAccountCache) DeleteAll() {
	c.mu.Lock()
	c.cache = make(map[string]cacheItem)
	c.mu.Unlock()
}

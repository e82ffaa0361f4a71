// Package session implements the session broker: it owns Upstream cookie
// jars end to end, hides logins, second factors and session refreshes behind
// simple per-user operations, and keeps a short-lived in-process cache in
// front of the database.
package session

import (
	"sync"
	"time"

	"github.com/mireapprove/backend/internal/model"
)

// Cache is a TTL cache for cookie jars. It only skips database reads; the
// database row stays the source of truth and the cache is invalidated on
// every session change.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[int64]cacheEntry
}

type cacheEntry struct {
	cookies  []model.Cookie
	deadline time.Time
}

// NewCache builds a cookie cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int64]cacheEntry),
	}
}

// Get returns the cached jar for the user, if fresh.
func (c *Cache) Get(tgID int64) ([]model.Cookie, bool) {
	c.mu.RLock()
	e, ok := c.entries[tgID]
	c.mu.RUnlock()
	if !ok || c.now().After(e.deadline) {
		return nil, false
	}
	return e.cookies, true
}

// Put stores a jar for the user.
func (c *Cache) Put(tgID int64, cookies []model.Cookie) {
	c.mu.Lock()
	c.entries[tgID] = cacheEntry{cookies: cookies, deadline: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the user's cached jar.
func (c *Cache) Invalidate(tgID int64) {
	c.mu.Lock()
	delete(c.entries, tgID)
	c.mu.Unlock()
}

// Sweep removes stale entries. Meant to be called periodically.
func (c *Cache) Sweep() {
	now := c.now()
	c.mu.Lock()
	for id, e := range c.entries {
		if now.After(e.deadline) {
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
}

// Len reports the number of live entries (stale ones included until swept).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

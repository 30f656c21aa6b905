// Package batch resolves users for one batch of mentions. The mentions
// read carries expansion users for every referenced account, so most
// lookups are served from that snapshot without touching the network.
package batch

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.crybb.tech/internal/xapi"
)

// userCacheTTL bounds how long a network-resolved user is reused
// across batches.
const userCacheTTL = 5 * time.Minute

// UserLookup is the one network call the resolver may fall back to
type UserLookup interface {
	GetUserByUsername(ctx context.Context, username string) (*xapi.User, error)
}

type cacheEntry struct {
	user  xapi.User
	added time.Time
}

// UserCache is the process-wide TTL cache shared across batches
type UserCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration

	now func() time.Time
}

// NewUserCache creates a cache with the default 5 minute TTL
func NewUserCache() *UserCache {
	return &UserCache{
		entries: make(map[string]cacheEntry),
		ttl:     userCacheTTL,
		now:     time.Now,
	}
}

// Get returns a cached user if present and not expired
func (c *UserCache) Get(username string) (xapi.User, bool) {
	key := strings.ToLower(username)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return xapi.User{}, false
	}
	if c.now().Sub(entry.added) > c.ttl {
		delete(c.entries, key)
		return xapi.User{}, false
	}
	return entry.user, true
}

// Put inserts or refreshes a user
func (c *UserCache) Put(user xapi.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[strings.ToLower(user.Username)] = cacheEntry{user: user, added: c.now()}
}

// Context scopes user resolution to one mentions batch. The snapshot
// comes from the batch expansions; the overlay pins users resolved over
// the network during this batch so repeated targets cost one lookup.
type Context struct {
	snapshot map[string]xapi.User
	byID     map[string]xapi.User
	cache    *UserCache
	lookup   UserLookup

	mu      sync.Mutex
	overlay map[string]xapi.User
}

// NewContext builds the per-batch resolution context
func NewContext(b *xapi.MentionsBatch, cache *UserCache, lookup UserLookup) *Context {
	snapshot := make(map[string]xapi.User, len(b.Users))
	byID := make(map[string]xapi.User, len(b.Users))
	for k, v := range b.Users {
		snapshot[strings.ToLower(k)] = v
		byID[v.ID] = v
	}
	return &Context{
		snapshot: snapshot,
		byID:     byID,
		cache:    cache,
		lookup:   lookup,
		overlay:  make(map[string]xapi.User),
	}
}

// UserByID returns a snapshot user by account id. The author of every
// mention is present via the author_id expansion.
func (c *Context) UserByID(id string) (xapi.User, bool) {
	u, ok := c.byID[id]
	return u, ok
}

// ResolveUser finds a user by handle: batch snapshot, then overlay,
// then TTL cache, then one network lookup. A network hit is pinned
// into the overlay and the cache. Returns xapi.ErrUserNotFound for
// missing or suspended accounts.
func (c *Context) ResolveUser(ctx context.Context, username string) (*xapi.User, error) {
	key := strings.ToLower(username)

	if u, ok := c.snapshot[key]; ok {
		return &u, nil
	}

	c.mu.Lock()
	if u, ok := c.overlay[key]; ok {
		c.mu.Unlock()
		return &u, nil
	}
	c.mu.Unlock()

	if u, ok := c.cache.Get(key); ok {
		return &u, nil
	}

	u, err := c.lookup.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.overlay[key] = *u
	c.mu.Unlock()
	c.cache.Put(*u)

	return u, nil
}

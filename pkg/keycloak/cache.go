package keycloak

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Memberships is the slice of the identity surface the orchestrator gates
// runs on.
type Memberships interface {
	IsInGroup(ctx context.Context, userID, group string) (bool, error)
	HasClientRole(ctx context.Context, userID, clientID, role string) (bool, error)
}

// NewCachedMemberships wraps the given membership checks so results are
// cached for the given TTL. This bounds the number of identity-provider calls
// a burst of webhooks can make. Unlike a reconciler, webhook dispatches run
// concurrently, so the cache is locked.
func NewCachedMemberships(logger logr.Logger, memberships Memberships, ttl time.Duration) *cachedMemberships {
	return &cachedMemberships{
		logger:      logger,
		memberships: memberships,
		ttl:         ttl,
		cache:       map[string]cacheEntry{},
		now:         time.Now,
	}
}

type cachedMemberships struct {
	logger      logr.Logger
	memberships Memberships
	ttl         time.Duration
	mu          sync.Mutex
	cache       map[string]cacheEntry
	now         func() time.Time
}

type cacheEntry struct {
	member   bool
	cachedAt time.Time
}

func (c *cachedMemberships) IsInGroup(ctx context.Context, userID, group string) (bool, error) {
	return c.lookup(ctx, "group|"+userID+"|"+group, func() (bool, error) {
		return c.memberships.IsInGroup(ctx, userID, group)
	})
}

func (c *cachedMemberships) HasClientRole(ctx context.Context, userID, clientID, role string) (bool, error) {
	return c.lookup(ctx, "role|"+userID+"|"+clientID+"|"+role, func() (bool, error) {
		return c.memberships.HasClientRole(ctx, userID, clientID, role)
	})
}

func (c *cachedMemberships) lookup(ctx context.Context, key string, resolve func() (bool, error)) (bool, error) {
	c.mu.Lock()
	if entry, ok := c.cache[key]; ok {
		if c.now().Sub(entry.cachedAt) < c.ttl { // within ttl
			c.mu.Unlock()
			return entry.member, nil
		}

		c.logger.Info("expired cache entry", "event", "cache.expire", "key", key)
		delete(c.cache, key) // expired
	}
	c.mu.Unlock()

	member, err := resolve()
	if err == nil {
		c.mu.Lock()
		c.cache[key] = cacheEntry{member: member, cachedAt: c.now()}
		c.mu.Unlock()
	}

	return member, err
}

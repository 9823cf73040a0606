package cache

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	customerdomain "github.com/smallbiznis/balanced/internal/customer/domain"
)

const (
	defaultResolverTTL     = 45 * time.Second
	defaultResolverCleanup = 5 * time.Minute
)

// ResolverCache stores hot-path customer/entity lookups in process memory.
type ResolverCache interface {
	Get(orgID, env, customerID, entityID string) (customerdomain.ResolvedCustomer, bool)
	Set(orgID, env, customerID, entityID string, resolved customerdomain.ResolvedCustomer)
	Forget(orgID, env, customerID string)
}

type resolverCache struct {
	items *gocache.Cache
	ttl   time.Duration
}

// NewResolverCache returns an in-memory cache tuned for track calls.
func NewResolverCache() ResolverCache {
	return NewResolverCacheWithTTL(defaultResolverTTL)
}

func NewResolverCacheWithTTL(ttl time.Duration) ResolverCache {
	if ttl <= 0 {
		ttl = defaultResolverTTL
	}
	return &resolverCache{
		items: gocache.New(ttl, defaultResolverCleanup),
		ttl:   ttl,
	}
}

func (c *resolverCache) Get(orgID, env, customerID, entityID string) (customerdomain.ResolvedCustomer, bool) {
	raw, ok := c.items.Get(cacheKey(orgID, env, customerID, entityID))
	if !ok {
		return customerdomain.ResolvedCustomer{}, false
	}
	resolved, ok := raw.(customerdomain.ResolvedCustomer)
	return resolved, ok
}

func (c *resolverCache) Set(orgID, env, customerID, entityID string, resolved customerdomain.ResolvedCustomer) {
	if resolved.InternalCustomerID == 0 {
		return
	}
	c.items.Set(cacheKey(orgID, env, customerID, entityID), resolved, c.ttl)
}

// Forget drops the customer and all of its entity variants.
func (c *resolverCache) Forget(orgID, env, customerID string) {
	prefix := cacheKey(orgID, env, customerID)
	for key := range c.items.Items() {
		if key == prefix || strings.HasPrefix(key, prefix+"|") {
			c.items.Delete(key)
		}
	}
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}

// Package dnscache caches hostname resolutions, including failures, so the
// scheduler can cheaply test reachability before dispatching fetches.
package dnscache

import (
	"context"
	"net"
	"sync"
	"time"
)

const defaultTTL = 5 * time.Minute

// Result is a cached resolution for one host. Unreachable hosts are cached
// as negative results for the same TTL.
type Result struct {
	Host      string
	Reachable bool
	Addresses []string
	Err       error
}

type entry struct {
	result    *Result
	expiresAt time.Time
}

// Cache resolves hostnames through a net.Resolver and caches the outcome.
// There is no active eviction; the map is bounded by the active domain count.
type Cache struct {
	resolver *net.Resolver
	ttl      time.Duration
	mu       sync.RWMutex
	entries  map[string]entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default 5 minute entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithResolver substitutes the resolver, used by tests.
func WithResolver(r *net.Resolver) Option {
	return func(c *Cache) { c.resolver = r }
}

// New creates a DNS cache backed by the default resolver.
func New(opts ...Option) *Cache {
	c := &Cache{
		resolver: net.DefaultResolver,
		ttl:      defaultTTL,
		entries:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the cached result for host, resolving on miss or expiry.
func (c *Cache) Resolve(ctx context.Context, host string) *Result {
	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()

	if ok && time.Now().Before(e.expiresAt) {
		return e.result
	}

	addrs, err := c.resolver.LookupHost(ctx, host)
	result := &Result{
		Host:      host,
		Reachable: err == nil && len(addrs) > 0,
		Addresses: addrs,
		Err:       err,
	}

	c.mu.Lock()
	c.entries[host] = entry{result: result, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return result
}

// Len reports the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Package cache provides a TTL keyed byte cache with in-memory and Redis
// backends. The robots checker stores parsed robots.txt records here so a
// fleet sharing one Redis sees one fetch per origin per TTL.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL byte store.
type Cache interface {
	// Get returns the value for key and whether it was present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// Close releases backend resources.
	Close() error
}

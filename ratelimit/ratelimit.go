// Package ratelimit gates fetch admission with one token bucket per host.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// bucketCapacity is the burst size of every per-host bucket.
	bucketCapacity = 10

	cleanupInterval = 10 * time.Minute
	inactiveAfter   = 30 * time.Minute
)

// Registry holds one token bucket per host, created lazily. Consuming never
// blocks; the scheduler requeues work when no token is available.
type Registry struct {
	defaultDelay time.Duration
	mu           sync.RWMutex
	buckets      map[string]*bucket
	stopCh       chan struct{}
	doneCh       chan struct{}
}

type bucket struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	delay      time.Duration
	retryAfter time.Time
	lastAccess time.Time
}

// NewRegistry creates a registry whose buckets refill at 1/defaultDelay
// tokens per second until a host-specific delay is set.
func NewRegistry(defaultDelay time.Duration) *Registry {
	if defaultDelay <= 0 {
		defaultDelay = time.Second
	}
	r := &Registry{
		defaultDelay: defaultDelay,
		buckets:      make(map[string]*bucket),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go r.cleanupInactive()
	return r
}

// Allow consumes one token for host if available, without blocking.
// It also refuses while a Retry-After deadline for the host is in the future.
func (r *Registry) Allow(host string) bool {
	b := r.bucket(host)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastAccess = time.Now()
	if time.Now().Before(b.retryAfter) {
		return false
	}
	return b.limiter.Allow()
}

// SetDelay updates a host's crawl delay, recreating its bucket when the
// delay changed. A fresh bucket starts full.
func (r *Registry) SetDelay(host string, delay time.Duration) {
	if delay <= 0 {
		delay = r.defaultDelay
	}
	b := r.bucket(host)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.delay == delay {
		return
	}
	b.delay = delay
	b.limiter = rate.NewLimiter(rate.Every(delay), bucketCapacity)
}

// Delay returns the current crawl delay for host.
func (r *Registry) Delay(host string) time.Duration {
	b := r.bucket(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// SetRetryAfter records a server-requested backoff deadline for host.
// Earlier deadlines never shorten a later one already in place.
func (r *Registry) SetRetryAfter(host string, until time.Time) {
	b := r.bucket(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.retryAfter) {
		b.retryAfter = until
	}
}

// RetryAfter reports the pending Retry-After deadline for host, if any.
func (r *Registry) RetryAfter(host string) time.Time {
	b := r.bucket(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retryAfter
}

// Close stops the cleanup goroutine.
func (r *Registry) Close() {
	close(r.stopCh)
	<-r.doneCh
}

// bucket returns the bucket for host, creating it on first use.
func (r *Registry) bucket(host string) *bucket {
	r.mu.RLock()
	b, ok := r.buckets[host]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok = r.buckets[host]; ok {
		return b
	}
	b = &bucket{
		limiter:    rate.NewLimiter(rate.Every(r.defaultDelay), bucketCapacity),
		delay:      r.defaultDelay,
		lastAccess: time.Now(),
	}
	r.buckets[host] = b
	return b
}

func (r *Registry) cleanupInactive() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	defer close(r.doneCh)

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for host, b := range r.buckets {
				b.mu.Lock()
				inactive := now.Sub(b.lastAccess) > inactiveAfter
				b.mu.Unlock()
				if inactive {
					delete(r.buckets, host)
				}
			}
			r.mu.Unlock()
		case <-r.stopCh:
			return
		}
	}
}

// ParseRetryAfter parses a Retry-After header value as either seconds or an
// HTTP date. The zero time is returned when the value is unparseable.
func ParseRetryAfter(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Now().Add(time.Duration(seconds) * time.Second)
	}
	if t, err := http.ParseTime(value); err == nil {
		return t
	}
	return time.Time{}
}

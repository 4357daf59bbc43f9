// Package robots fetches, parses, and caches robots.txt policies per origin.
package robots

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yhtsearch/crawler/cache"
	"github.com/yhtsearch/crawler/logger"
)

const (
	defaultTTL         = 24 * time.Hour
	fetchTimeout       = 10 * time.Second
	maxRobotsBodyBytes = 512 << 10
	cacheKeyPrefix     = "robots:"
)

// Group holds the rules for one user-agent section of a robots.txt file.
type Group struct {
	Allows     []string      `json:"allows"`
	Disallows  []string      `json:"disallows"`
	CrawlDelay time.Duration `json:"crawl_delay"`
}

// Robots is a parsed robots.txt policy for one origin.
type Robots struct {
	Origin     string            `json:"origin"`
	Groups     map[string]*Group `json:"groups"`
	Sitemaps   []string          `json:"sitemaps"`
	FetchedAt  time.Time         `json:"fetched_at"`
	Permissive bool              `json:"permissive"`
}

// Permissive returns the policy used when robots.txt cannot be fetched or
// parsed: everything allowed, no sitemaps, no delay override.
func Permissive(origin string) *Robots {
	return &Robots{
		Origin:     origin,
		Groups:     map[string]*Group{},
		FetchedAt:  time.Now().UTC(),
		Permissive: true,
	}
}

// IsAllowed reports whether the given user agent may fetch path.
// Group selection: exact bot-name match, then "*", else allowed.
// A path is disallowed if some disallow pattern matches it and no allow
// pattern of equal or greater length also matches.
func (r *Robots) IsAllowed(userAgent, path string) bool {
	group := r.group(userAgent)
	if group == nil {
		return true
	}
	if path == "" {
		path = "/"
	}

	for _, disallow := range group.Disallows {
		if !matchesPath(path, disallow) {
			continue
		}
		overridden := false
		for _, allow := range group.Allows {
			if len(allow) >= len(disallow) && matchesPath(path, allow) {
				overridden = true
				break
			}
		}
		if !overridden {
			return false
		}
	}
	return true
}

// CrawlDelay returns the crawl delay for the given user agent, or 0 when the
// policy does not specify one.
func (r *Robots) CrawlDelay(userAgent string) time.Duration {
	group := r.group(userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (r *Robots) group(userAgent string) *Group {
	name := BotName(userAgent)
	if g, ok := r.Groups[name]; ok {
		return g
	}
	if g, ok := r.Groups["*"]; ok {
		return g
	}
	return nil
}

// BotName extracts the lowercase product token from a user agent string,
// e.g. "YHTBot/1.0 (+https://...)" -> "yhtbot".
func BotName(userAgent string) string {
	name := userAgent
	if idx := strings.IndexAny(name, "/ "); idx != -1 {
		name = name[:idx]
	}
	return strings.ToLower(name)
}

// matchesPath reports whether pattern matches a prefix of path, starting at
// the beginning. '*' matches any run of characters, '?' matches one.
func matchesPath(path, pattern string) bool {
	if pattern == "" {
		return true
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(path); i++ {
			if matchesPath(path[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '?':
		if path == "" {
			return false
		}
		return matchesPath(path[1:], pattern[1:])
	default:
		if path == "" || path[0] != pattern[0] {
			return false
		}
		return matchesPath(path[1:], pattern[1:])
	}
}

// Checker fetches and caches robots.txt policies.
type Checker struct {
	userAgent string
	client    *http.Client
	cache     cache.Cache
	ttl       time.Duration
	log       logger.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithTTL overrides the 24 hour cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Checker) { c.ttl = ttl }
}

// WithHTTPClient substitutes the HTTP client used for robots.txt fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) { c.client = client }
}

// New creates a robots checker storing parsed policies in store.
func New(userAgent string, store cache.Cache, log logger.Logger, opts ...Option) *Checker {
	if log == nil {
		log = logger.Noop()
	}
	c := &Checker{
		userAgent: userAgent,
		client:    &http.Client{Timeout: fetchTimeout},
		cache:     store,
		ttl:       defaultTTL,
		log:       log.With("component", "robots"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the policy for an origin ("https://example.com"), fetching and
// caching it on miss. Any fetch or parse failure yields a cached permissive
// default, never an error.
func (c *Checker) Get(ctx context.Context, origin string) *Robots {
	key := cacheKeyPrefix + origin

	if data, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		var r Robots
		if err := json.Unmarshal(data, &r); err == nil {
			return &r
		}
	}

	r, err := c.fetch(ctx, origin)
	if err != nil {
		c.log.Warn("robots.txt unavailable, using permissive default", "origin", origin, "error", err)
		r = Permissive(origin)
	}

	if data, err := json.Marshal(r); err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			c.log.Warn("failed to cache robots policy", "origin", origin, "error", err)
		}
	}
	return r
}

// Invalidate drops the cached policy for an origin.
func (c *Checker) Invalidate(ctx context.Context, origin string) {
	if err := c.cache.Delete(ctx, cacheKeyPrefix+origin); err != nil {
		c.log.Warn("failed to invalidate robots policy", "origin", origin, "error", err)
	}
}

func (c *Checker) fetch(ctx context.Context, origin string) (*Robots, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	r, err := Parse(io.LimitReader(resp.Body, maxRobotsBodyBytes))
	if err != nil {
		return nil, err
	}
	r.Origin = origin
	return r, nil
}

// Parse reads a robots.txt body into a policy. Consecutive user-agent lines
// share the directives that follow them.
func Parse(body io.Reader) (*Robots, error) {
	r := &Robots{
		Groups:    map[string]*Group{},
		FetchedAt: time.Now().UTC(),
	}

	var current []*Group
	lastWasUserAgent := false

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx != -1 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		directive := strings.TrimSpace(strings.ToLower(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch directive {
		case "user-agent":
			name := strings.ToLower(value)
			group, ok := r.Groups[name]
			if !ok {
				group = &Group{}
				r.Groups[name] = group
			}
			if lastWasUserAgent {
				current = append(current, group)
			} else {
				current = []*Group{group}
			}
			lastWasUserAgent = true
			continue

		case "disallow":
			if value != "" {
				for _, g := range current {
					g.Disallows = append(g.Disallows, value)
				}
			}

		case "allow":
			if value != "" {
				for _, g := range current {
					g.Allows = append(g.Allows, value)
				}
			}

		case "crawl-delay":
			if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds > 0 {
				delay := time.Duration(seconds * float64(time.Second))
				for _, g := range current {
					if g.CrawlDelay == 0 {
						g.CrawlDelay = delay
					}
				}
			}

		case "sitemap":
			if value != "" {
				r.Sitemaps = append(r.Sitemaps, value)
			}
		}
		lastWasUserAgent = false
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read robots.txt: %w", err)
	}
	return r, nil
}

package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yhtsearch/crawler/cache"
	"github.com/yhtsearch/crawler/logger"
)

const testUA = "YHTBot/1.0 (+https://yht.search/bot)"

func TestParse(t *testing.T) {
	body := `
# comment
User-agent: *
Disallow: /private
Allow: /private/ok
Crawl-delay: 2

User-agent: yhtbot
Disallow: /internal
Crawl-delay: 0.5

Sitemap: https://example.com/sitemap.xml
Sitemap: https://example.com/news.xml
`
	r, err := Parse(strings.NewReader(body))
	require.NoError(t, err)

	wildcard := r.Groups["*"]
	require.NotNil(t, wildcard)
	assert.Equal(t, []string{"/private"}, wildcard.Disallows)
	assert.Equal(t, []string{"/private/ok"}, wildcard.Allows)
	assert.Equal(t, 2*time.Second, wildcard.CrawlDelay)

	specific := r.Groups["yhtbot"]
	require.NotNil(t, specific)
	assert.Equal(t, []string{"/internal"}, specific.Disallows)
	assert.Equal(t, 500*time.Millisecond, specific.CrawlDelay)

	assert.Equal(t, []string{"https://example.com/sitemap.xml", "https://example.com/news.xml"}, r.Sitemaps)
}

func TestParseSharedUserAgentLines(t *testing.T) {
	body := `
User-agent: abot
User-agent: bbot
Disallow: /shared
`
	r, err := Parse(strings.NewReader(body))
	require.NoError(t, err)

	assert.Equal(t, []string{"/shared"}, r.Groups["abot"].Disallows)
	assert.Equal(t, []string{"/shared"}, r.Groups["bbot"].Disallows)
}

func TestIsAllowed(t *testing.T) {
	body := `
User-agent: *
Disallow: /private
Allow: /private/public
Disallow: /*.json
Disallow: /tmp?
`
	r, err := Parse(strings.NewReader(body))
	require.NoError(t, err)

	tests := []struct {
		path    string
		allowed bool
	}{
		{"/", true},
		{"/about", true},
		{"/private", false},
		{"/private/x", false},
		{"/private/public", true},
		{"/private/public/deep", true},
		{"/api/data.json", false},
		{"/data.json?x=1", false},
		{"/tmp1", false},
		{"/tmp", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, r.IsAllowed(testUA, tt.path), tt.path)
	}
}

func TestIsAllowedGroupSelection(t *testing.T) {
	body := `
User-agent: yhtbot
Disallow: /only-for-us

User-agent: *
Disallow: /for-everyone
`
	r, err := Parse(strings.NewReader(body))
	require.NoError(t, err)

	// Exact bot-name group wins; wildcard rules do not apply to it.
	assert.False(t, r.IsAllowed(testUA, "/only-for-us"))
	assert.True(t, r.IsAllowed(testUA, "/for-everyone"))

	// Other bots get the wildcard group.
	assert.False(t, r.IsAllowed("OtherBot/2.0", "/for-everyone"))
	assert.True(t, r.IsAllowed("OtherBot/2.0", "/only-for-us"))
}

func TestIsAllowedNoMatchingGroup(t *testing.T) {
	body := `
User-agent: somebot
Disallow: /
`
	r, err := Parse(strings.NewReader(body))
	require.NoError(t, err)
	assert.True(t, r.IsAllowed(testUA, "/anything"))
}

func TestAllowOverrideRequiresEqualOrGreaterLength(t *testing.T) {
	body := `
User-agent: *
Disallow: /downloads/archive
Allow: /down
`
	r, err := Parse(strings.NewReader(body))
	require.NoError(t, err)
	// The allow pattern is shorter than the matching disallow, so it does
	// not override.
	assert.False(t, r.IsAllowed(testUA, "/downloads/archive/file"))
}

func TestBotName(t *testing.T) {
	assert.Equal(t, "yhtbot", BotName("YHTBot/1.0 (+https://yht.search/bot)"))
	assert.Equal(t, "otherbot", BotName("otherbot"))
	assert.Equal(t, "spaced", BotName("Spaced agent string"))
}

func TestCrawlDelay(t *testing.T) {
	body := `
User-agent: *
Crawl-delay: 3
`
	r, err := Parse(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, r.CrawlDelay(testUA))
	assert.Equal(t, time.Duration(0), Permissive("https://example.com").CrawlDelay(testUA))
}

func newTestChecker(t *testing.T, handler http.Handler, opts ...Option) (*Checker, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := cache.NewMemory()
	t.Cleanup(func() { store.Close() })

	checker := New(testUA, store, logger.Noop(), opts...)
	return checker, server
}

func TestCheckerGetCaches(t *testing.T) {
	var fetches atomic.Int64
	checker, server := newTestChecker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		assert.Equal(t, "/robots.txt", r.URL.Path)
		assert.Equal(t, testUA, r.Header.Get("User-Agent"))
		w.Write([]byte("User-agent: *\nDisallow: /secret\n"))
	}))

	ctx := context.Background()
	first := checker.Get(ctx, server.URL)
	assert.False(t, first.IsAllowed(testUA, "/secret"))
	assert.False(t, first.Permissive)

	second := checker.Get(ctx, server.URL)
	assert.False(t, second.IsAllowed(testUA, "/secret"))
	assert.Equal(t, int64(1), fetches.Load(), "second get should come from cache")
}

func TestCheckerGetPermissiveOnFailure(t *testing.T) {
	checker, server := newTestChecker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	r := checker.Get(context.Background(), server.URL)
	assert.True(t, r.Permissive)
	assert.True(t, r.IsAllowed(testUA, "/anything"))
	assert.Empty(t, r.Sitemaps)
}

func TestCheckerInvalidate(t *testing.T) {
	var fetches atomic.Int64
	checker, server := newTestChecker(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte("User-agent: *\nDisallow: /x\n"))
	}))

	ctx := context.Background()
	checker.Get(ctx, server.URL)
	checker.Invalidate(ctx, server.URL)
	checker.Get(ctx, server.URL)
	assert.Equal(t, int64(2), fetches.Load())
}

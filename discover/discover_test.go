package discover

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yhtsearch/crawler/config"
	"github.com/yhtsearch/crawler/extract"
	"github.com/yhtsearch/crawler/robots"
	"github.com/yhtsearch/crawler/sitemap"
)

func testPipeline(t *testing.T, mutate func(*config.DiscoveryConfig)) *Pipeline {
	t.Helper()
	cfg := config.New().Discovery
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, config.DefaultUserAgent)
}

func contentWithLinks(links ...extract.Link) *extract.Content {
	return &extract.Content{Links: links}
}

func TestFromHTMLFilters(t *testing.T) {
	p := testPipeline(t, nil)
	content := contentWithLinks(
		extract.Link{URL: "https://example.com/keep"},
		extract.Link{URL: "https://other.com/drop"},
		extract.Link{URL: "https://example.com/nofollow", NoFollow: true},
		extract.Link{URL: "ftp://example.com/scheme"},
		extract.Link{URL: "https://example.com/file.pdf"},
	)

	summary := p.FromHTML(content, "https://example.com/", Options{DomainFilter: "example.com"})

	require.Len(t, summary.Accepted, 1)
	assert.Equal(t, "https://example.com/keep", summary.Accepted[0].NormalizedURL)
	assert.Equal(t, SourceLink, summary.Accepted[0].Source)
	assert.Equal(t, 1, summary.Dropped["other_domain"])
	assert.Equal(t, 1, summary.Dropped["nofollow"])
	assert.Equal(t, 1, summary.Dropped["binary"])
}

func TestFromHTMLNofollowAllowedWhenDisabled(t *testing.T) {
	p := testPipeline(t, func(c *config.DiscoveryConfig) { c.RespectNofollow = false })
	content := contentWithLinks(extract.Link{URL: "https://example.com/nf", NoFollow: true})

	summary := p.FromHTML(content, "https://example.com/", Options{})
	assert.Len(t, summary.Accepted, 1)
}

func TestFromHTMLRobots(t *testing.T) {
	policy, err := robots.Parse(strings.NewReader("User-agent: *\nDisallow: /private/\n"))
	require.NoError(t, err)

	p := testPipeline(t, nil)
	content := contentWithLinks(
		extract.Link{URL: "https://example.com/public"},
		extract.Link{URL: "https://example.com/private/x"},
	)

	summary := p.FromHTML(content, "https://example.com/", Options{Robots: policy})
	require.Len(t, summary.Accepted, 1)
	assert.Equal(t, "https://example.com/public", summary.Accepted[0].NormalizedURL)
	assert.Equal(t, 1, summary.Dropped["robots"])
}

func TestFromHTMLDeduplicates(t *testing.T) {
	p := testPipeline(t, nil)
	content := contentWithLinks(
		extract.Link{URL: "https://example.com/x"},
		extract.Link{URL: "https://example.com/x?utm_source=feed"},
		extract.Link{URL: "https://example.com/x/"},
	)

	summary := p.FromHTML(content, "https://example.com/", Options{})
	assert.Len(t, summary.Accepted, 1)
	assert.Equal(t, 2, summary.Dropped["duplicate"])
}

func TestDedupPersistsAcrossCalls(t *testing.T) {
	p := testPipeline(t, nil)
	content := contentWithLinks(extract.Link{URL: "https://example.com/x"})

	first := p.FromHTML(content, "https://example.com/p1", Options{})
	assert.Len(t, first.Accepted, 1)

	second := p.FromHTML(content, "https://example.com/p2", Options{})
	assert.Empty(t, second.Accepted)
	assert.Equal(t, 1, second.Dropped["duplicate"])

	p.Reset()
	third := p.FromHTML(content, "https://example.com/p3", Options{})
	assert.Len(t, third.Accepted, 1)
}

func TestCanonicalEmittedWhenDifferent(t *testing.T) {
	p := testPipeline(t, nil)
	content := &extract.Content{Canonical: "https://example.com/canonical"}

	summary := p.FromHTML(content, "https://example.com/fetched", Options{})
	require.Len(t, summary.Accepted, 1)
	assert.Equal(t, SourceCanonical, summary.Accepted[0].Source)
	assert.Equal(t, "https://example.com/canonical", summary.Accepted[0].NormalizedURL)
}

func TestCanonicalSkippedWhenSameAsPage(t *testing.T) {
	p := testPipeline(t, nil)
	content := &extract.Content{Canonical: "https://example.com/page"}

	summary := p.FromHTML(content, "https://example.com/page", Options{})
	assert.Empty(t, summary.Accepted)
}

func TestSourcePrecedenceUpgrades(t *testing.T) {
	p := testPipeline(t, nil)
	content := &extract.Content{
		Links:     []extract.Link{{URL: "https://example.com/x"}},
		Canonical: "https://example.com/x",
	}

	summary := p.FromHTML(content, "https://example.com/fetched", Options{})
	require.Len(t, summary.Accepted, 1)
	assert.Equal(t, SourceCanonical, summary.Accepted[0].Source)
}

func TestPerPageCap(t *testing.T) {
	p := testPipeline(t, func(c *config.DiscoveryConfig) { c.MaxLinksPerPage = 2 })
	content := contentWithLinks(
		extract.Link{URL: "https://example.com/1"},
		extract.Link{URL: "https://example.com/2"},
		extract.Link{URL: "https://example.com/3"},
	)

	summary := p.FromHTML(content, "https://example.com/", Options{})
	assert.Len(t, summary.Accepted, 2)
	assert.Equal(t, 1, summary.Dropped["page_cap"])
}

func TestFromSitemaps(t *testing.T) {
	p := testPipeline(t, nil)
	entries := []sitemap.Entry{
		{Loc: "https://example.com/daily", ChangeFreq: "daily", Priority: 0.8},
		{Loc: "https://example.com/never", ChangeFreq: "never", Priority: 0},
		{Loc: "https://other.com/elsewhere", Priority: 0.5},
	}

	summary := p.FromSitemaps(entries, "example.com", nil)
	require.Len(t, summary.Accepted, 2)

	assert.Equal(t, "https://example.com/daily", summary.Accepted[0].NormalizedURL)
	assert.Equal(t, SourceSitemap, summary.Accepted[0].Source)
	assert.Equal(t, 84, summary.Accepted[0].Priority)
	assert.Equal(t, "daily", summary.Accepted[0].ChangeFreq)

	assert.Equal(t, 30, summary.Accepted[1].Priority)
	assert.Equal(t, 1, summary.Dropped["other_domain"])
}

func TestFromSitemapsMinPriority(t *testing.T) {
	p := testPipeline(t, func(c *config.DiscoveryConfig) { c.MinPriority = 40 })
	entries := []sitemap.Entry{
		{Loc: "https://example.com/low", ChangeFreq: "never"},
		{Loc: "https://example.com/ok"},
	}

	summary := p.FromSitemaps(entries, "example.com", nil)
	require.Len(t, summary.Accepted, 1)
	assert.Equal(t, "https://example.com/ok", summary.Accepted[0].NormalizedURL)
	assert.Equal(t, 1, summary.Dropped["low_priority"])
}

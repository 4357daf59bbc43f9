package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yhtsearch/crawler/robots"
)

const urlsetXML = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
	<url>
		<loc>https://example.com/</loc>
		<lastmod>2024-01-15</lastmod>
		<changefreq>daily</changefreq>
		<priority>0.8</priority>
	</url>
	<url>
		<loc> https://example.com/about </loc>
		<changefreq>MONTHLY</changefreq>
	</url>
	<url>
		<loc></loc>
	</url>
</urlset>`

const indexXML = `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
	<sitemap><loc>https://example.com/sitemap-1.xml</loc></sitemap>
	<sitemap><loc>https://example.com/sitemap-2.xml.gz</loc></sitemap>
</sitemapindex>`

func TestParseURLSet(t *testing.T) {
	result, err := Parse([]byte(urlsetXML))
	require.NoError(t, err)

	assert.False(t, result.IsIndex)
	require.Len(t, result.URLs, 2)

	assert.Equal(t, "https://example.com/", result.URLs[0].Loc)
	assert.Equal(t, "2024-01-15", result.URLs[0].LastMod)
	assert.Equal(t, "daily", result.URLs[0].ChangeFreq)
	assert.InDelta(t, 0.8, result.URLs[0].Priority, 0.001)

	assert.Equal(t, "https://example.com/about", result.URLs[1].Loc)
	assert.Equal(t, "monthly", result.URLs[1].ChangeFreq)
}

func TestParseSitemapIndex(t *testing.T) {
	result, err := Parse([]byte(indexXML))
	require.NoError(t, err)

	assert.True(t, result.IsIndex)
	assert.Equal(t, []string{
		"https://example.com/sitemap-1.xml",
		"https://example.com/sitemap-2.xml.gz",
	}, result.IndexSitemaps)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("this is not xml"))
	assert.Error(t, err)

	_, err = Parse([]byte("<html><body>not a sitemap</body></html>"))
	assert.Error(t, err)
}

func TestPriorityScore(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  int
	}{
		{"no hints", Entry{}, 50},
		{"priority only", Entry{Priority: 0.5}, 65},
		{"priority rounds", Entry{Priority: 0.55}, 67},
		{"always bumps", Entry{ChangeFreq: "always"}, 70},
		{"hourly bumps", Entry{ChangeFreq: "hourly"}, 65},
		{"daily bumps", Entry{ChangeFreq: "daily"}, 60},
		{"weekly bumps", Entry{ChangeFreq: "weekly"}, 55},
		{"monthly bumps", Entry{ChangeFreq: "monthly"}, 52},
		{"yearly penalizes", Entry{ChangeFreq: "yearly"}, 45},
		{"never penalizes", Entry{ChangeFreq: "never"}, 30},
		{"clamped at 100", Entry{Priority: 1.0, ChangeFreq: "always"}, 100},
		{"combined", Entry{Priority: 1.0, ChangeFreq: "daily"}, 90},
		{"unknown changefreq ignored", Entry{ChangeFreq: "sometimes"}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PriorityScore(tt.entry))
		})
	}
}

func TestFetchAndParse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TestBot/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(urlsetXML))
	}))
	defer server.Close()

	f := NewFetcher(nil, "TestBot/1.0")
	result, err := f.FetchAndParse(context.Background(), server.URL+"/sitemap.xml", nil)
	require.NoError(t, err)
	assert.Len(t, result.URLs, 2)
}

func TestFetchAndParseGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte(urlsetXML))
	gz.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Content-Encoding header; .gz sitemaps are served as-is.
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	f := NewFetcher(nil, "TestBot/1.0")
	result, err := f.FetchAndParse(context.Background(), server.URL+"/sitemap.xml.gz", nil)
	require.NoError(t, err)
	assert.Len(t, result.URLs, 2)
}

func TestFetchAndParseHonorsRobots(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("fetch should not happen for a disallowed path")
	}))
	defer server.Close()

	policy, err := robots.Parse(strings.NewReader("User-agent: *\nDisallow: /private/\n"))
	require.NoError(t, err)
	policy.Origin = server.URL

	f := NewFetcher(nil, "TestBot/1.0")
	_, err = f.FetchAndParse(context.Background(), server.URL+"/private/sitemap.xml", policy)
	assert.Error(t, err)
}

func TestFetchAndParseNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcher(nil, "TestBot/1.0")
	_, err := f.FetchAndParse(context.Background(), server.URL+"/sitemap.xml", nil)
	assert.Error(t, err)
}

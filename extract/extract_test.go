package extract

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basePage = `<!DOCTYPE html>
<html lang="en">
<head>
	<title>  Example Page  </title>
	<meta name="description" content="A page about examples.">
	<meta property="og:title" content="OG Example">
	<meta name="keywords" content="a,b,c">
	<link rel="canonical" href="https://example.com/canonical">
	<script type="application/ld+json">{"@type": "Article", "headline": "Example"}</script>
</head>
<body>
	<nav><a href="/nav-link">Nav</a></nav>
	<header>Site header</header>
	<div class="sidebar">Sidebar junk</div>
	<h1>Main Heading</h1>
	<p>First paragraph of real content.</p>
	<a href="/about">About</a>
	<a href="https://other.com/page" rel="nofollow noopener">Other</a>
	<a href="mailto:x@example.com">Mail</a>
	<a href="javascript:void(0)">JS</a>
	<a href="#top">Top</a>
	<area href="/map-region">
	<footer>Footer junk</footer>
</body>
</html>`

func TestExtract(t *testing.T) {
	c := Extract(basePage, "https://example.com/page")

	assert.Equal(t, "Example Page", c.Title)
	assert.Equal(t, "A page about examples.", c.Description)
	assert.Equal(t, "en", c.Lang)
	assert.Equal(t, "https://example.com/canonical", c.Canonical)

	assert.Contains(t, c.Text, "Main Heading")
	assert.Contains(t, c.Text, "First paragraph of real content.")
	assert.NotContains(t, c.Text, "Sidebar junk")
	assert.NotContains(t, c.Text, "Footer junk")
	assert.NotContains(t, c.Text, "Site header")

	assert.Equal(t, "A page about examples.", c.Meta["description"])
	assert.Equal(t, "OG Example", c.Meta["og:title"])
	assert.Equal(t, "a,b,c", c.Meta["keywords"])

	structured, ok := c.Meta["structuredData"].([]any)
	require.True(t, ok)
	require.Len(t, structured, 1)
	block := structured[0].(map[string]any)
	assert.Equal(t, "Article", block["@type"])

	urls := make([]string, 0, len(c.Links))
	for _, link := range c.Links {
		urls = append(urls, link.URL)
	}
	assert.Contains(t, urls, "https://example.com/about")
	assert.Contains(t, urls, "https://other.com/page")
	assert.Contains(t, urls, "https://example.com/canonical")
	assert.Contains(t, urls, "https://example.com/map-region")
	assert.NotContains(t, urls, "mailto:x@example.com")
	assert.NotContains(t, urls, "https://example.com/nav-link")

	for _, link := range c.Links {
		if link.URL == "https://other.com/page" {
			assert.True(t, link.NoFollow)
		}
		if link.URL == "https://example.com/about" {
			assert.False(t, link.NoFollow)
		}
	}

	assert.Len(t, c.Hash, 64)
}

func TestTitleFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		html     string
		expected string
	}{
		{
			name:     "title tag wins",
			html:     `<html><head><title>T</title></head><body><h1>H</h1></body></html>`,
			expected: "T",
		},
		{
			name:     "h1 when no title",
			html:     `<html><body><h1>Heading Title</h1></body></html>`,
			expected: "Heading Title",
		},
		{
			name:     "og title when no title or h1",
			html:     `<html><head><meta property="og:title" content="From OG"></head><body></body></html>`,
			expected: "From OG",
		},
		{
			name:     "twitter title last",
			html:     `<html><head><meta name="twitter:title" content="From Twitter"></head><body></body></html>`,
			expected: "From Twitter",
		},
		{
			name:     "empty when nothing present",
			html:     `<html><body><p>text</p></body></html>`,
			expected: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Extract(tt.html, "https://example.com/").Title)
		})
	}
}

func TestDescriptionFallsBackToParagraph(t *testing.T) {
	html := `<html><body><p>The opening paragraph.</p></body></html>`
	assert.Equal(t, "The opening paragraph.", Extract(html, "https://example.com/").Description)
}

func TestTruncationLimits(t *testing.T) {
	longTitle := strings.Repeat("t", 500)
	longText := strings.Repeat("word ", 5000)
	html := fmt.Sprintf(`<html><head><title>%s</title></head><body><p>%s</p></body></html>`, longTitle, longText)

	c := Extract(html, "https://example.com/")
	assert.Len(t, c.Title, 200)
	assert.Len(t, c.Text, 10000)
}

func TestTruncationKeepsRuneBoundaries(t *testing.T) {
	title := strings.Repeat("a", 199) + "€€€"
	text := strings.Repeat("界", 10050)
	html := fmt.Sprintf(`<html><head><title>%s</title></head><body><p>%s</p></body></html>`, title, text)

	c := Extract(html, "https://example.com/")

	require.True(t, utf8.ValidString(c.Title))
	assert.Equal(t, 200, utf8.RuneCountInString(c.Title))
	assert.Equal(t, strings.Repeat("a", 199)+"€", c.Title)

	require.True(t, utf8.ValidString(c.Text))
	assert.Equal(t, 10000, utf8.RuneCountInString(c.Text))
}

func TestLinksSkipNavigationChrome(t *testing.T) {
	html := `<html><body>
		<nav><a href="/nav">N</a></nav>
		<header><a href="/masthead">M</a></header>
		<footer><a href="/imprint">I</a></footer>
		<p><a href="/article">A</a></p>
	</body></html>`

	c := Extract(html, "https://example.com/")

	require.Len(t, c.Links, 1)
	assert.Equal(t, "https://example.com/article", c.Links[0].URL)
}

func TestLinkCap(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for i := 0; i < 150; i++ {
		fmt.Fprintf(&sb, `<a href="/page-%d">P</a>`, i)
	}
	sb.WriteString("</body></html>")

	c := Extract(sb.String(), "https://example.com/")
	assert.Len(t, c.Links, 100)
}

func TestHashDependsOnTitleAndTextOnly(t *testing.T) {
	a := Extract(`<html><head><title>T</title><meta name="description" content="d1"></head><body><p>same</p></body></html>`, "https://example.com/")
	b := Extract(`<html><head><title>T</title><meta name="description" content="d2"></head><body><p>same</p><a href="/x"></a></body></html>`, "https://example.com/")
	assert.Equal(t, a.Hash, b.Hash)

	changed := Extract(`<html><head><title>T</title></head><body><p>different</p></body></html>`, "https://example.com/")
	assert.NotEqual(t, a.Hash, changed.Hash)
}

func TestExtractDegradesOnGarbage(t *testing.T) {
	c := Extract("<<<<not html at all", "https://example.com/")
	assert.NotNil(t, c.Meta)
	assert.Len(t, c.Hash, 64)
}

func TestWhitespaceCollapsed(t *testing.T) {
	html := "<html><body><p>first\n\n\t  second</p></body></html>"
	c := Extract(html, "https://example.com/")
	assert.Equal(t, "first second", c.Text)
}

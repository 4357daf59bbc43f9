// Package extract turns fetched HTML into the structured page content the
// crawler persists and indexes. Extraction is pure: no I/O, and malformed
// input degrades to empty fields instead of failing.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 300
	maxTextLen        = 10000
	maxLinks          = 100
)

// noiseSelectors is the closed set of subtrees removed before link and text
// extraction.
var noiseSelectors = []string{
	"script", "style", "nav", "header", "footer",
	".sidebar", ".advertisement", ".cookie-banner", ".social-share",
	".comments", ".related-posts",
	"[role=banner]", "[role=navigation]", "[role=complementary]",
	".popup", ".modal",
}

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Link is one outgoing reference found on a page.
type Link struct {
	URL      string
	NoFollow bool
}

// Content is the extracted representation of one HTML page.
type Content struct {
	Title       string
	Description string
	Lang        string
	Text        string
	Meta        map[string]any
	Links       []Link
	Canonical   string
	Hash        string
}

// Extract parses html and produces Content. Relative links are resolved
// against baseURL. The content hash is a function of title and text only.
func Extract(htmlStr, baseURL string) Content {
	content := Content{Meta: map[string]any{}}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		content.Hash = hashContent("", "")
		return content
	}

	content.Lang = extractLang(doc)
	content.Meta = extractMeta(doc)

	for _, selector := range noiseSelectors {
		doc.Find(selector).Remove()
	}

	content.Links, content.Canonical = extractLinks(doc, baseURL)
	content.Title = extractTitle(doc)
	content.Description = extractDescription(doc)
	content.Text = extractText(doc)
	content.Hash = hashContent(content.Title, content.Text)
	return content
}

func extractTitle(doc *goquery.Document) string {
	candidates := []func() string{
		func() string { return doc.Find("title").First().Text() },
		func() string { return doc.Find("h1").First().Text() },
		func() string { return metaContent(doc, `meta[property="og:title"]`) },
		func() string { return metaContent(doc, `meta[name="twitter:title"]`) },
	}
	for _, candidate := range candidates {
		if title := strings.TrimSpace(candidate()); title != "" {
			return truncate(title, maxTitleLen)
		}
	}
	return ""
}

func extractDescription(doc *goquery.Document) string {
	candidates := []func() string{
		func() string { return metaContent(doc, `meta[name="description"]`) },
		func() string { return metaContent(doc, `meta[property="og:description"]`) },
		func() string { return metaContent(doc, `meta[name="twitter:description"]`) },
		func() string { return doc.Find("p").First().Text() },
	}
	for _, candidate := range candidates {
		if desc := strings.TrimSpace(candidate()); desc != "" {
			return truncate(desc, maxDescriptionLen)
		}
	}
	return ""
}

func extractLang(doc *goquery.Document) string {
	if lang, ok := doc.Find("html").First().Attr("lang"); ok && lang != "" {
		return strings.TrimSpace(lang)
	}
	if lang := metaContent(doc, `meta[http-equiv="content-language"]`); lang != "" {
		return strings.TrimSpace(lang)
	}
	return ""
}

func extractMeta(doc *goquery.Document) map[string]any {
	meta := map[string]any{}

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key, ok := s.Attr("name")
		if !ok {
			key, ok = s.Attr("property")
		}
		if !ok || key == "" {
			return
		}
		if value, ok := s.Attr("content"); ok {
			meta[key] = value
		}
	})

	var structured []any
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var block any
		if err := json.Unmarshal([]byte(s.Text()), &block); err == nil {
			structured = append(structured, block)
		}
	})
	if len(structured) > 0 {
		meta["structuredData"] = structured
	}
	return meta
}

func extractLinks(doc *goquery.Document, baseURL string) ([]Link, string) {
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}

	var links []Link
	var canonical string

	add := func(href string, nofollow bool) {
		if len(links) >= maxLinks {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" ||
			strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") {
			return
		}
		parsed, err := url.Parse(href)
		if err != nil {
			return
		}
		if base != nil {
			parsed = base.ResolveReference(parsed)
		}
		parsed.Fragment = ""
		links = append(links, Link{URL: parsed.String(), NoFollow: nofollow})
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		rel, _ := s.Attr("rel")
		nofollow := false
		for _, token := range strings.Fields(strings.ToLower(rel)) {
			if token == "nofollow" {
				nofollow = true
			}
		}
		add(href, nofollow)
	})

	doc.Find(`link[rel="canonical"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		before := len(links)
		add(href, false)
		if canonical == "" && len(links) > before {
			canonical = links[len(links)-1].URL
		}
	})

	doc.Find("area[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(href, false)
	})

	doc.Find("base[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(href, false)
	})

	return links, canonical
}

func extractText(doc *goquery.Document) string {
	body := doc.Find("body")
	var raw string
	if body.Length() > 0 {
		raw = body.Text()
	} else {
		raw = doc.Text()
	}
	collapsed := strings.TrimSpace(whitespaceRegex.ReplaceAllString(raw, " "))
	return truncate(collapsed, maxTextLen)
}

func metaContent(doc *goquery.Document, selector string) string {
	content, _ := doc.Find(selector).First().Attr("content")
	return content
}

func hashContent(title, text string) string {
	sum := sha256.Sum256([]byte(title + text))
	return hex.EncodeToString(sum[:])
}

// truncate limits s to max characters, never splitting a multibyte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Package sitemap parses sitemap.xml and sitemap index files, including
// gzip-compressed ones, and derives queue priorities from sitemap hints.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yhtsearch/crawler/robots"
)

const (
	fetchTimeout = 30 * time.Second
	maxBodyBytes = 50 << 20
)

// Entry is one <url> record from a urlset.
type Entry struct {
	Loc        string
	LastMod    string
	ChangeFreq string
	Priority   float64
}

// Result is the outcome of parsing one sitemap document.
type Result struct {
	URLs          []Entry
	IndexSitemaps []string
	IsIndex       bool
	Errors        []string
}

type urlSet struct {
	XMLName xml.Name   `xml:"urlset"`
	URLs    []xmlEntry `xml:"url"`
}

type xmlEntry struct {
	Loc        string  `xml:"loc"`
	LastMod    string  `xml:"lastmod"`
	ChangeFreq string  `xml:"changefreq"`
	Priority   float64 `xml:"priority"`
}

type sitemapIndex struct {
	XMLName  xml.Name   `xml:"sitemapindex"`
	Sitemaps []xmlChild `xml:"sitemap"`
}

type xmlChild struct {
	Loc string `xml:"loc"`
}

// Parse detects <urlset> vs <sitemapindex> and decodes accordingly.
func Parse(content []byte) (*Result, error) {
	var set urlSet
	if err := xml.Unmarshal(content, &set); err == nil && len(set.URLs) > 0 {
		result := &Result{}
		for _, u := range set.URLs {
			loc := strings.TrimSpace(u.Loc)
			if loc == "" {
				continue
			}
			result.URLs = append(result.URLs, Entry{
				Loc:        loc,
				LastMod:    strings.TrimSpace(u.LastMod),
				ChangeFreq: strings.ToLower(strings.TrimSpace(u.ChangeFreq)),
				Priority:   u.Priority,
			})
		}
		return result, nil
	}

	var index sitemapIndex
	if err := xml.Unmarshal(content, &index); err == nil && len(index.Sitemaps) > 0 {
		result := &Result{IsIndex: true}
		for _, child := range index.Sitemaps {
			if loc := strings.TrimSpace(child.Loc); loc != "" {
				result.IndexSitemaps = append(result.IndexSitemaps, loc)
			}
		}
		return result, nil
	}

	return nil, fmt.Errorf("content is neither a urlset nor a sitemapindex")
}

// PriorityScore maps a sitemap entry to a queue priority in [0,100]:
// base 50, plus the entry's priority hint scaled by 30, plus a change
// frequency bump.
func PriorityScore(e Entry) int {
	score := 50 + int(math.Round(e.Priority*30))

	switch e.ChangeFreq {
	case "always":
		score += 20
	case "hourly":
		score += 15
	case "daily":
		score += 10
	case "weekly":
		score += 5
	case "monthly":
		score += 2
	case "yearly":
		score -= 5
	case "never":
		score -= 20
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Fetcher retrieves and parses sitemap documents over HTTP.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewFetcher creates a sitemap fetcher. A nil client gets a default with a
// 30 second timeout.
func NewFetcher(client *http.Client, userAgent string) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Fetcher{client: client, userAgent: userAgent}
}

// FetchAndParse downloads one sitemap URL and parses it. When policy is
// non-nil the sitemap path must be allowed for the fetcher's user agent.
// Index recursion is the caller's responsibility.
func (f *Fetcher) FetchAndParse(ctx context.Context, sitemapURL string, policy *robots.Robots) (*Result, error) {
	if policy != nil {
		parsed, err := url.Parse(sitemapURL)
		if err != nil {
			return nil, fmt.Errorf("invalid sitemap url: %w", err)
		}
		if !policy.IsAllowed(f.userAgent, parsed.Path) {
			return nil, fmt.Errorf("sitemap %s disallowed by robots.txt", sitemapURL)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read sitemap body: %w", err)
	}

	if resp.Header.Get("Content-Encoding") == "gzip" || isGzip(body) {
		if decoded, err := gunzip(body); err == nil {
			body = decoded
		}
	}

	return Parse(body)
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

func gunzip(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(io.LimitReader(gz, maxBodyBytes))
}

// Package discover turns fetched pages and sitemaps into filtered,
// deduplicated queue candidates.
package discover

import (
	neturl "net/url"
	"strings"

	"github.com/yhtsearch/crawler/config"
	"github.com/yhtsearch/crawler/extract"
	"github.com/yhtsearch/crawler/robots"
	"github.com/yhtsearch/crawler/sitemap"
	urlutil "github.com/yhtsearch/crawler/url"
)

// Source identifies where a discovered URL came from. Precedence when the
// same URL is seen twice: canonical > sitemap > link > manual.
type Source string

const (
	SourceLink      Source = "link"
	SourceSitemap   Source = "sitemap"
	SourceCanonical Source = "canonical"
	SourceManual    Source = "manual"
)

var sourceRank = map[Source]int{
	SourceManual:    0,
	SourceLink:      1,
	SourceSitemap:   2,
	SourceCanonical: 3,
}

// URL is one accepted discovery candidate.
type URL struct {
	RawURL        string
	NormalizedURL string
	Source        Source
	SourceURL     string
	Priority      int
	NoFollow      bool
	LastMod       string
	ChangeFreq    string
}

// Summary reports the result of one discovery pass.
type Summary struct {
	Accepted []URL
	Seen     int
	Dropped  map[string]int
}

func newSummary() *Summary {
	return &Summary{Dropped: map[string]int{}}
}

func (s *Summary) drop(reason string) {
	s.Dropped[reason]++
}

// Options controls filtering for one HTML discovery pass.
type Options struct {
	// DomainFilter restricts accepted URLs to this host when non-empty.
	DomainFilter string
	// Robots is checked per path when non-nil.
	Robots *robots.Robots
	// BasePriority is assigned to plain links (default 50 when zero).
	BasePriority int
}

// Pipeline filters and deduplicates discovered URLs. Dedup state persists
// across calls until Reset.
type Pipeline struct {
	cfg       config.DiscoveryConfig
	userAgent string
	seen      map[string]int // normalized URL -> index into order
	order     []URL
}

// New creates a discovery pipeline.
func New(cfg config.DiscoveryConfig, userAgent string) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		userAgent: userAgent,
		seen:      map[string]int{},
	}
}

// Reset clears the pipeline's deduplication state.
func (p *Pipeline) Reset() {
	p.seen = map[string]int{}
	p.order = nil
}

// FromHTML runs discovery over one extracted page. The page's links are
// filtered, and a canonical URL differing from pageURL is emitted with
// canonical source.
func (p *Pipeline) FromHTML(content *extract.Content, pageURL string, opts Options) *Summary {
	summary := newSummary()
	if opts.BasePriority == 0 {
		opts.BasePriority = 50
	}

	emitted := 0
	for _, link := range content.Links {
		if emitted >= p.cfg.MaxLinksPerPage {
			summary.drop("page_cap")
			continue
		}
		candidate := URL{
			RawURL:    link.URL,
			Source:    SourceLink,
			SourceURL: pageURL,
			Priority:  opts.BasePriority,
			NoFollow:  link.NoFollow,
		}
		if p.admit(candidate, opts, summary) {
			emitted++
		}
	}

	if content.Canonical != "" {
		normalizedPage, _ := urlutil.Normalize(pageURL, "")
		normalizedCanonical, err := urlutil.Normalize(content.Canonical, pageURL)
		if err == nil && normalizedCanonical != normalizedPage {
			p.admit(URL{
				RawURL:    content.Canonical,
				Source:    SourceCanonical,
				SourceURL: pageURL,
				Priority:  opts.BasePriority + 10,
			}, opts, summary)
		}
	}

	summary.Accepted = p.drain()
	return summary
}

// FromSitemaps runs discovery over parsed sitemap entries for one domain.
func (p *Pipeline) FromSitemaps(entries []sitemap.Entry, domain string, policy *robots.Robots) *Summary {
	summary := newSummary()
	opts := Options{DomainFilter: domain, Robots: policy}

	emitted := 0
	for _, entry := range entries {
		if emitted >= p.cfg.MaxLinksPerPage {
			summary.drop("page_cap")
			continue
		}
		candidate := URL{
			RawURL:     entry.Loc,
			Source:     SourceSitemap,
			SourceURL:  domain,
			Priority:   sitemap.PriorityScore(entry),
			LastMod:    entry.LastMod,
			ChangeFreq: entry.ChangeFreq,
		}
		if p.admit(candidate, opts, summary) {
			emitted++
		}
	}

	summary.Accepted = p.drain()
	return summary
}

// admit applies the filter chain and records the candidate. Returns true when
// the candidate was accepted or upgraded an existing entry.
func (p *Pipeline) admit(candidate URL, opts Options, summary *Summary) bool {
	summary.Seen++

	normalized, err := urlutil.Normalize(candidate.RawURL, candidate.SourceURL)
	if err != nil || !urlutil.IsWebURL(normalized) {
		summary.drop("invalid_url")
		return false
	}
	if urlutil.IsBinary(normalized) {
		summary.drop("binary")
		return false
	}
	candidate.NormalizedURL = normalized

	if opts.DomainFilter != "" {
		host, err := urlutil.Host(normalized)
		if err != nil || !strings.EqualFold(host, opts.DomainFilter) {
			summary.drop("other_domain")
			return false
		}
	}

	if candidate.Priority < p.cfg.MinPriority {
		summary.drop("low_priority")
		return false
	}

	if opts.Robots != nil {
		parsed, err := neturl.Parse(normalized)
		if err != nil || !opts.Robots.IsAllowed(p.userAgent, parsed.Path) {
			summary.drop("robots")
			return false
		}
	}

	if p.cfg.RespectNofollow && candidate.NoFollow {
		summary.drop("nofollow")
		return false
	}

	if idx, ok := p.seen[normalized]; ok {
		// idx is -1 for URLs accepted in an earlier pass; those can no
		// longer be upgraded in place.
		if idx >= 0 && betterThan(candidate, p.order[idx]) {
			p.order[idx] = candidate
		}
		summary.drop("duplicate")
		return false
	}

	p.seen[normalized] = len(p.order)
	p.order = append(p.order, candidate)
	return true
}

// drain returns the URLs accepted since the last drain, in first-seen order,
// keeping dedup state for subsequent calls.
func (p *Pipeline) drain() []URL {
	out := p.order
	p.order = nil
	for normalized := range p.seen {
		p.seen[normalized] = -1
	}
	return out
}

func betterThan(a, b URL) bool {
	if sourceRank[a.Source] != sourceRank[b.Source] {
		return sourceRank[a.Source] > sourceRank[b.Source]
	}
	return a.Priority > b.Priority
}

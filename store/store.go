// Package store defines the persistence boundary: domains, pages, the crawl
// queue, links, fetch logs, and the search-index write contract.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Domain status values.
const (
	DomainPending = "pending"
	DomainActive  = "active"
	DomainBlocked = "blocked"
	DomainError   = "error"
)

// Queue item reasons.
const (
	ReasonSeed    = "seed"
	ReasonSitemap = "sitemap"
	ReasonLink    = "link"
)

// Domain is one crawlable host and its politeness state.
type Domain struct {
	ID              int64
	Host            string
	Status          string
	Category        string
	RobotsRaw       string
	RobotsFetchedAt time.Time
	CrawlDelay      time.Duration
	Priority        int
	ErrorCount      int
	LastCrawledAt   time.Time
	CreatedAt       time.Time
}

// Blocked reports whether the domain must not be scheduled.
func (d *Domain) Blocked() bool {
	return d.Status == DomainBlocked || d.Status == DomainError
}

// Page is one crawled document.
type Page struct {
	ID            int64
	DomainID      int64
	URL           string
	Title         string
	Description   string
	Category      string
	Lang          string
	ContentHash   string
	ETag          string
	LastModified  string
	Canonical     string
	Meta          map[string]any
	TextContent   string
	LastFetchedAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// QueueItem is one pending crawl, unique by URL.
type QueueItem struct {
	ID          int64
	DomainID    int64
	URL         string
	Priority    int
	ScheduledAt time.Time
	Attempts    int
	Reason      string
}

// Link is one observed edge from a crawled page, unique on (FromPageID, ToURL).
type Link struct {
	FromPageID   int64
	ToURL        string
	NoFollow     bool
	DiscoveredAt time.Time
}

// FetchLog records one fetch attempt, successful or not.
type FetchLog struct {
	ID        int64
	DomainID  int64
	URL       string
	Status    int
	Bytes     int64
	Duration  time.Duration
	Error     string
	CreatedAt time.Time
}

// QueueStats summarizes the crawl queue.
type QueueStats struct {
	Total    int64
	ByReason map[string]int64
}

// FetchStats summarizes recent fetch attempts.
type FetchStats struct {
	Total     int64
	Successes int64
	Errors    int64
}

// ErrorRate is the fraction of attempts that failed, in [0,1].
func (s FetchStats) ErrorRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Total)
}

// IndexPayload is the document body handed to the search index when a page
// is created or its content hash changes.
type IndexPayload struct {
	Title       string
	Description string
	TextContent string
	Category    string
	Meta        map[string]any
}

// Store is the closed persistence operation set. Every call is transactional.
// URL uniqueness conflicts on pages and queue inserts resolve to do-nothing.
type Store interface {
	CreateDomain(ctx context.Context, d *Domain) error
	GetDomain(ctx context.Context, host string) (*Domain, error)
	UpdateDomain(ctx context.Context, d *Domain) error
	ListDomains(ctx context.Context) ([]*Domain, error)

	CreatePage(ctx context.Context, p *Page) error
	GetPage(ctx context.Context, url string) (*Page, error)
	UpdatePage(ctx context.Context, p *Page) error

	AddToCrawlQueue(ctx context.Context, item *QueueItem) error
	AddBatchToCrawlQueue(ctx context.Context, items []*QueueItem) error
	GetNextCrawlItems(ctx context.Context, limit int) ([]*QueueItem, error)
	IncrementAttempts(ctx context.Context, id int64, scheduledAt time.Time) error
	RemoveItem(ctx context.Context, id int64) error
	GetQueueStats(ctx context.Context) (*QueueStats, error)

	SaveLinks(ctx context.Context, links []*Link) error
	GetLinksFromPage(ctx context.Context, pageID int64) ([]*Link, error)

	CreateFetchLog(ctx context.Context, log *FetchLog) error
	SaveFetchLogs(ctx context.Context, logs []*FetchLog) error
	GetRecentFetchLogs(ctx context.Context, limit int) ([]*FetchLog, error)
	GetFetchStats(ctx context.Context, window int) (*FetchStats, error)

	IndexPageContent(ctx context.Context, pageID int64, payload *IndexPayload) error

	Close()
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local development. It
// mirrors the conflict semantics of the Postgres implementation.
type Memory struct {
	mu        sync.Mutex
	nextID    int64
	domains   map[string]*Domain // keyed by host
	pages     map[string]*Page   // keyed by URL
	queue     map[int64]*QueueItem
	queueURLs map[string]int64
	links     map[int64][]*Link
	linkKeys  map[string]bool
	fetchLogs []*FetchLog
	indexed   map[int64]*IndexPayload
	now       func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		domains:   map[string]*Domain{},
		pages:     map[string]*Page{},
		queue:     map[int64]*QueueItem{},
		queueURLs: map[string]int64{},
		links:     map[int64][]*Link{},
		linkKeys:  map[string]bool{},
		indexed:   map[int64]*IndexPayload{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) Close() {}

func (m *Memory) CreateDomain(_ context.Context, d *Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.domains[d.Host]; ok {
		*d = *existing
		return nil
	}
	if d.Status == "" {
		d.Status = DomainPending
	}
	d.ID = m.id()
	d.CreatedAt = m.now()
	clone := *d
	m.domains[d.Host] = &clone
	return nil
}

func (m *Memory) GetDomain(_ context.Context, host string) (*Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[host]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *d
	return &clone, nil
}

func (m *Memory) UpdateDomain(_ context.Context, d *Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for host, existing := range m.domains {
		if existing.ID == d.ID {
			clone := *d
			m.domains[host] = &clone
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListDomains(_ context.Context) ([]*Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	domains := make([]*Domain, 0, len(m.domains))
	for _, d := range m.domains {
		clone := *d
		domains = append(domains, &clone)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].Host < domains[j].Host })
	return domains, nil
}

func (m *Memory) CreatePage(_ context.Context, p *Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pages[p.URL]; ok {
		*p = *existing
		return nil
	}
	p.ID = m.id()
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt
	clone := *p
	m.pages[p.URL] = &clone
	return nil
}

func (m *Memory) GetPage(_ context.Context, url string) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[url]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *Memory) UpdatePage(_ context.Context, p *Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.pages[p.URL]
	if !ok {
		return ErrNotFound
	}
	if existing.ContentHash == p.ContentHash {
		existing.LastFetchedAt = p.LastFetchedAt
		existing.ETag = p.ETag
		existing.LastModified = p.LastModified
		p.ID = existing.ID
		return nil
	}
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = m.now()
	clone := *p
	m.pages[p.URL] = &clone
	return nil
}

func (m *Memory) AddToCrawlQueue(ctx context.Context, item *QueueItem) error {
	return m.AddBatchToCrawlQueue(ctx, []*QueueItem{item})
}

func (m *Memory) AddBatchToCrawlQueue(_ context.Context, items []*QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		if _, ok := m.queueURLs[item.URL]; ok {
			continue
		}
		if item.ScheduledAt.IsZero() {
			item.ScheduledAt = m.now()
		}
		item.ID = m.id()
		clone := *item
		m.queue[item.ID] = &clone
		m.queueURLs[item.URL] = item.ID
	}
	return nil
}

func (m *Memory) GetNextCrawlItems(_ context.Context, limit int) ([]*QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var ready []*QueueItem
	for _, item := range m.queue {
		if !item.ScheduledAt.After(now) {
			clone := *item
			ready = append(ready, &clone)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ScheduledAt.Before(ready[j].ScheduledAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (m *Memory) IncrementAttempts(_ context.Context, id int64, scheduledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.queue[id]
	if !ok {
		return ErrNotFound
	}
	item.Attempts++
	item.ScheduledAt = scheduledAt
	return nil
}

func (m *Memory) RemoveItem(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.queue[id]; ok {
		delete(m.queueURLs, item.URL)
		delete(m.queue, id)
	}
	return nil
}

func (m *Memory) GetQueueStats(_ context.Context) (*QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &QueueStats{ByReason: map[string]int64{}}
	for _, item := range m.queue {
		stats.ByReason[item.Reason]++
		stats.Total++
	}
	return stats, nil
}

func (m *Memory) SaveLinks(_ context.Context, links []*Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range links {
		key := linkKey(link.FromPageID, link.ToURL)
		if m.linkKeys[key] {
			continue
		}
		if link.DiscoveredAt.IsZero() {
			link.DiscoveredAt = m.now()
		}
		clone := *link
		m.links[link.FromPageID] = append(m.links[link.FromPageID], &clone)
		m.linkKeys[key] = true
	}
	return nil
}

func (m *Memory) GetLinksFromPage(_ context.Context, pageID int64) ([]*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.links[pageID]
	links := make([]*Link, 0, len(stored))
	for _, link := range stored {
		clone := *link
		links = append(links, &clone)
	}
	return links, nil
}

func (m *Memory) CreateFetchLog(ctx context.Context, log *FetchLog) error {
	return m.SaveFetchLogs(ctx, []*FetchLog{log})
}

func (m *Memory) SaveFetchLogs(_ context.Context, logs []*FetchLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range logs {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = m.now()
		}
		l.ID = m.id()
		clone := *l
		m.fetchLogs = append(m.fetchLogs, &clone)
	}
	return nil
}

func (m *Memory) GetRecentFetchLogs(_ context.Context, limit int) ([]*FetchLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var logs []*FetchLog
	for i := len(m.fetchLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		clone := *m.fetchLogs[i]
		logs = append(logs, &clone)
	}
	return logs, nil
}

func (m *Memory) GetFetchStats(_ context.Context, window int) (*FetchStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &FetchStats{}
	for i := len(m.fetchLogs) - 1; i >= 0 && stats.Total < int64(window); i-- {
		l := m.fetchLogs[i]
		stats.Total++
		if l.Status >= 200 && l.Status < 400 && l.Error == "" {
			stats.Successes++
		} else {
			stats.Errors++
		}
	}
	return stats, nil
}

func (m *Memory) IndexPageContent(_ context.Context, pageID int64, payload *IndexPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *payload
	m.indexed[pageID] = &clone
	return nil
}

// IndexedPayload returns the last indexed document for a page, for tests.
func (m *Memory) IndexedPayload(pageID int64) (*IndexPayload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.indexed[pageID]
	if !ok {
		return nil, false
	}
	clone := *payload
	return &clone, true
}

func linkKey(fromPageID int64, toURL string) string {
	return fmt.Sprintf("%d|%s", fromPageID, toURL)
}

// Package crawler contains the scheduler, per-domain state, and the
// orchestrator that ties fetching, extraction, discovery, and persistence
// into a continuously running polite crawl loop.
package crawler

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yhtsearch/crawler/categorize"
	"github.com/yhtsearch/crawler/config"
	"github.com/yhtsearch/crawler/discover"
	"github.com/yhtsearch/crawler/logger"
	"github.com/yhtsearch/crawler/ratelimit"
	"github.com/yhtsearch/crawler/robots"
	"github.com/yhtsearch/crawler/sitemap"
	"github.com/yhtsearch/crawler/store"
	urlutil "github.com/yhtsearch/crawler/url"
)

const (
	drainTimeout        = 30 * time.Second
	memoryCheckInterval = 30 * time.Second
	staleSuccessWindow  = 5 * time.Minute
	healthErrorWindow   = 1000
	healthErrorRate     = 0.5
	healthMemoryBytes   = 1 << 30
	healthQueueDepth    = 100_000
	persistenceGrace    = time.Minute
)

// Health levels reported by the orchestrator.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// Crawler owns the scheduler and the background maintenance loops.
type Crawler struct {
	cfg       *config.Config
	store     store.Store
	batcher   *store.Batcher
	scheduler *Scheduler
	limits    *ratelimit.Registry
	sitemaps  *sitemap.Fetcher
	robots    RobotsSource
	log       logger.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New wires a crawler from its collaborators. oracle may be nil.
func New(
	cfg *config.Config,
	st store.Store,
	batcher *store.Batcher,
	fetch Fetcher,
	robotsSource RobotsSource,
	limits *ratelimit.Registry,
	dns HostResolver,
	oracle categorize.Oracle,
	log logger.Logger,
) *Crawler {
	if log == nil {
		log = logger.Noop()
	}
	scheduler := NewScheduler(cfg, st, batcher, fetch, robotsSource, limits, dns, oracle, log)
	return &Crawler{
		cfg:       cfg,
		store:     st,
		batcher:   batcher,
		scheduler: scheduler,
		limits:    limits,
		sitemaps:  sitemap.NewFetcher(nil, cfg.Politeness.GetUserAgent()),
		robots:    robotsSource,
		log:       log.With("component", "crawler"),
	}
}

// Scheduler exposes the underlying scheduler, mainly for operator actions.
func (c *Crawler) Scheduler() *Scheduler {
	return c.scheduler
}

// Start seeds the domain table, then launches the scheduler, the stats
// sampler, and the memory monitor.
func (c *Crawler) Start(ctx context.Context) error {
	if err := c.Seed(ctx); err != nil {
		return fmt.Errorf("seeding failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	c.group = group

	group.Go(func() error {
		c.scheduler.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		c.statsLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		c.memoryLoop(groupCtx)
		return nil
	})

	c.log.Info("crawler started",
		"max_concurrent", c.cfg.Scheduler.MaxConcurrentFetches,
		"per_domain", c.cfg.Scheduler.PerDomainConcurrency,
		"tick_interval", c.cfg.Scheduler.QueueCheckInterval)
	return nil
}

// Stop halts dispatching, gives in-flight fetches up to 30 seconds to finish,
// then cancels the stragglers and flushes all buffered writes.
func (c *Crawler) Stop(ctx context.Context) {
	c.scheduler.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		_ = c.group.Wait()
	}

	if remaining := c.scheduler.Drain(drainTimeout); remaining > 0 {
		c.log.Warn("aborting fetches still in flight", "remaining", remaining)
	}
	c.scheduler.Abort()
	c.batcher.Close(ctx)
	c.limits.Close()
	c.log.Info("crawler stopped")
}

// Seed ensures every configured seed host exists, enqueueing the homepage for
// new hosts. Existing hosts are skipped, so seeding is idempotent.
func (c *Crawler) Seed(ctx context.Context) error {
	for _, seed := range c.cfg.Seeds {
		if _, err := c.store.GetDomain(ctx, seed.Host); err == nil {
			continue
		}

		priority := seed.Priority
		if priority == 0 {
			priority = seedPriority
		}
		domain := &store.Domain{
			Host:     seed.Host,
			Category: seed.Category,
			Priority: priority,
		}
		if err := c.store.CreateDomain(ctx, domain); err != nil {
			return fmt.Errorf("failed to seed %s: %w", seed.Host, err)
		}

		homepage := "https://" + seed.Host + "/"
		err := c.store.AddToCrawlQueue(ctx, &store.QueueItem{
			DomainID: domain.ID,
			URL:      homepage,
			Priority: seedPriority,
			Reason:   store.ReasonSeed,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue homepage for %s: %w", seed.Host, err)
		}
		c.log.Info("seeded domain", "host", seed.Host, "priority", priority)

		c.enqueueSitemaps(ctx, domain)
	}
	return nil
}

// enqueueSitemaps pulls the sitemaps advertised in robots.txt for a newly
// seeded domain and enqueues their URLs. Best effort.
func (c *Crawler) enqueueSitemaps(ctx context.Context, domain *store.Domain) {
	origin, err := urlutil.Origin("https://" + domain.Host + "/")
	if err != nil {
		return
	}
	policy := c.robots.Get(ctx, origin)
	if len(policy.Sitemaps) == 0 {
		return
	}

	pipeline := discover.New(c.cfg.Discovery, c.cfg.Politeness.GetUserAgent())
	for _, sitemapURL := range policy.Sitemaps {
		result, err := c.sitemaps.FetchAndParse(ctx, sitemapURL, policy)
		if err != nil {
			c.log.Warn("failed to read sitemap", "url", sitemapURL, "error", err)
			continue
		}
		if result.IsIndex {
			// One level of child sitemaps; deeper nesting waits for recrawl.
			for _, child := range result.IndexSitemaps {
				childResult, err := c.sitemaps.FetchAndParse(ctx, child, policy)
				if err != nil {
					continue
				}
				c.enqueueSitemapEntries(ctx, pipeline, domain, policy, childResult.URLs)
			}
			continue
		}
		c.enqueueSitemapEntries(ctx, pipeline, domain, policy, result.URLs)
	}
}

func (c *Crawler) enqueueSitemapEntries(ctx context.Context, pipeline *discover.Pipeline, domain *store.Domain, policy *robots.Robots, entries []sitemap.Entry) {
	summary := pipeline.FromSitemaps(entries, domain.Host, policy)
	if len(summary.Accepted) == 0 {
		return
	}
	items := make([]*store.QueueItem, 0, len(summary.Accepted))
	for _, u := range summary.Accepted {
		items = append(items, &store.QueueItem{
			DomainID: domain.ID,
			URL:      u.NormalizedURL,
			Priority: u.Priority,
			Reason:   store.ReasonSitemap,
		})
	}
	c.batcher.EnqueueBatch(ctx, items)
	c.log.Info("enqueued sitemap urls", "host", domain.Host, "count", len(items))
}

// statsLoop periodically samples queue and per-domain counters.
func (c *Crawler) statsLoop(ctx context.Context) {
	interval := c.cfg.Memory.StatsReportInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportStats(ctx)
		}
	}
}

func (c *Crawler) reportStats(ctx context.Context) {
	queueStats, err := c.store.GetQueueStats(ctx)
	if err != nil {
		c.log.Warn("failed to sample queue stats", "error", err)
		return
	}
	fetchStats, err := c.store.GetFetchStats(ctx, healthErrorWindow)
	if err != nil {
		c.log.Warn("failed to sample fetch stats", "error", err)
		return
	}

	active := 0
	c.scheduler.States().each(func(host string, s *domainState) {
		a, _, _ := s.snapshot()
		active += a
	})

	c.log.Info("crawl stats",
		"queue_size", queueStats.Total,
		"by_reason", queueStats.ByReason,
		"tracked_domains", c.scheduler.States().len(),
		"active_fetches", active,
		"recent_attempts", fetchStats.Total,
		"recent_error_rate", fetchStats.ErrorRate(),
		"health", c.Health(ctx).Status)
}

// memoryLoop flushes buffers and hints the GC when heap use crosses the
// configured threshold.
func (c *Crawler) memoryLoop(ctx context.Context) {
	ticker := time.NewTicker(memoryCheckInterval)
	defer ticker.Stop()

	threshold := uint64(c.cfg.Memory.ThresholdMB) << 20
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			if stats.HeapAlloc <= threshold {
				continue
			}
			c.log.Warn("heap above threshold, flushing buffers",
				"heap_mb", stats.HeapAlloc>>20, "threshold_mb", c.cfg.Memory.ThresholdMB)
			c.batcher.FlushAll(ctx)
			debug.FreeOSMemory()
		}
	}
}

// HealthReport is the orchestrator's health snapshot.
type HealthReport struct {
	Status  string
	Reasons []string
}

// Health applies the fixed rubric: one degradation signal reports degraded,
// two or more report unhealthy.
func (c *Crawler) Health(ctx context.Context) HealthReport {
	var reasons []string

	if time.Since(c.scheduler.LastSuccessAt()) > staleSuccessWindow {
		reasons = append(reasons, "no successful crawl in 5m")
	}

	if stats, err := c.store.GetFetchStats(ctx, healthErrorWindow); err == nil {
		if stats.Total > 0 && stats.ErrorRate() > healthErrorRate {
			reasons = append(reasons, fmt.Sprintf("error rate %.0f%% over last %d attempts",
				stats.ErrorRate()*100, stats.Total))
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if mem.Sys > healthMemoryBytes {
		reasons = append(reasons, fmt.Sprintf("resident memory %dMiB", mem.Sys>>20))
	}

	if stats, err := c.store.GetQueueStats(ctx); err == nil && stats.Total > healthQueueDepth {
		reasons = append(reasons, fmt.Sprintf("queue depth %d", stats.Total))
	}

	if since := c.batcher.PersistenceDegradedSince(); !since.IsZero() && time.Since(since) > persistenceGrace {
		reasons = append(reasons, "persistence failing for over 1m")
	}

	switch {
	case len(reasons) == 0:
		return HealthReport{Status: Healthy}
	case len(reasons) == 1:
		return HealthReport{Status: Degraded, Reasons: reasons}
	default:
		return HealthReport{Status: Unhealthy, Reasons: reasons}
	}
}

package crawler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	neturl "net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yhtsearch/crawler/categorize"
	"github.com/yhtsearch/crawler/config"
	"github.com/yhtsearch/crawler/discover"
	"github.com/yhtsearch/crawler/dnscache"
	"github.com/yhtsearch/crawler/extract"
	"github.com/yhtsearch/crawler/fetcher"
	"github.com/yhtsearch/crawler/logger"
	"github.com/yhtsearch/crawler/ratelimit"
	"github.com/yhtsearch/crawler/robots"
	"github.com/yhtsearch/crawler/store"
	urlutil "github.com/yhtsearch/crawler/url"
)

const (
	maxBackoff       = 5 * time.Minute
	robotsMaxAge     = 24 * time.Hour
	errorBlockStreak = 10
	seedPriority     = 50
	crawledLinkBoost = 10
)

// Fetcher is the HTTP surface the scheduler drives. Satisfied by
// fetcher.Fetcher; stubbed in tests.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts *fetcher.Options) (*fetcher.Result, error)
}

// RobotsSource resolves cached robots.txt policies per origin.
type RobotsSource interface {
	Get(ctx context.Context, origin string) *robots.Robots
	Invalidate(ctx context.Context, origin string)
}

// HostResolver answers host reachability. Satisfied by dnscache.Cache.
type HostResolver interface {
	Resolve(ctx context.Context, host string) *dnscache.Result
}

// Scheduler runs the tick loop: pull ready queue items, admit them against
// per-domain limits and token buckets, and dispatch independent fetch tasks.
type Scheduler struct {
	cfg      *config.Config
	store    store.Store
	batcher  *store.Batcher
	fetch    Fetcher
	robots   RobotsSource
	limits   *ratelimit.Registry
	dns      HostResolver
	states   *stateRegistry
	log      logger.Logger
	oracle   categorize.Oracle

	// Fetch tasks run on taskCtx, not the tick context, so a cancelled run
	// loop does not abort requests already in flight.
	taskCtx    context.Context
	abortTasks context.CancelFunc

	mu       sync.Mutex
	inflight map[int64]chan struct{} // queue item id -> completion signal
	stopped  atomic.Bool

	lastSuccess atomic.Int64 // unix nano of last successful crawl
}

// NewScheduler wires the scheduler. oracle may be nil.
func NewScheduler(
	cfg *config.Config,
	st store.Store,
	batcher *store.Batcher,
	fetch Fetcher,
	robotsSource RobotsSource,
	limits *ratelimit.Registry,
	dns HostResolver,
	oracle categorize.Oracle,
	log logger.Logger,
) *Scheduler {
	if log == nil {
		log = logger.Noop()
	}
	taskCtx, abortTasks := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		store:      st,
		batcher:    batcher,
		fetch:      fetch,
		robots:     robotsSource,
		limits:     limits,
		dns:        dns,
		states:     newStateRegistry(),
		oracle:     oracle,
		log:        log.With("component", "scheduler"),
		taskCtx:    taskCtx,
		abortTasks: abortTasks,
		inflight:   map[int64]chan struct{}{},
	}
	s.lastSuccess.Store(time.Now().UnixNano())
	return s
}

// Run executes the tick loop until ctx is cancelled or Stop is called.
// On a tick error the sleep doubles, resetting after a clean tick.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.Scheduler.QueueCheckInterval
	sleep := interval
	for {
		if s.stopped.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		if s.stopped.Load() {
			return
		}
		if err := s.Tick(ctx); err != nil {
			sleep *= 2
			s.log.Error("scheduler tick failed", "error", err, "next_sleep", sleep)
			continue
		}
		sleep = interval
	}
}

// Stop halts new dispatches. In-flight tasks keep running until Abort.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
}

// Abort cancels the context in-flight fetch tasks run on. Call it after the
// drain window expires.
func (s *Scheduler) Abort() {
	s.abortTasks()
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.prune()
	active := s.activeGlobal()
	headroom := s.cfg.Scheduler.MaxConcurrentFetches - active
	if headroom <= 0 {
		return nil
	}

	items, err := s.store.GetNextCrawlItems(ctx, 2*headroom)
	if err != nil {
		return fmt.Errorf("failed to pull queue: %w", err)
	}

	var ready []*store.QueueItem
	for _, item := range items {
		if item.Priority < s.cfg.Scheduler.PriorityThreshold {
			// Below the floor, the item would never be crawled; drop it.
			if err := s.store.RemoveItem(ctx, item.ID); err != nil {
				s.log.Warn("failed to drop low-priority item", "url", item.URL, "error", err)
			}
			continue
		}
		host, err := urlutil.Host(item.URL)
		if err != nil {
			s.removeItem(ctx, item)
			continue
		}
		domain, err := s.store.GetDomain(ctx, host)
		if errors.Is(err, store.ErrNotFound) {
			s.removeItem(ctx, item)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to resolve domain %s: %w", host, err)
		}
		state := s.states.get(host, domain.ID, domain.Blocked())
		if state.isBlocked() {
			continue
		}
		ready = append(ready, item)
	}

	// Highest priority first; queue pull order already breaks ties by age.
	sortByPriority(ready)

	dispatched := 0
	for _, item := range ready {
		if dispatched >= headroom {
			break
		}
		host, _ := urlutil.Host(item.URL)
		state, _ := s.states.lookup(host)
		if state == nil || !state.tryAcquire(s.cfg.Scheduler.PerDomainConcurrency) {
			continue
		}
		if !s.limits.Allow(host) {
			state.cancelAcquire()
			continue
		}
		s.dispatch(item, state)
		dispatched++
	}
	return nil
}

func (s *Scheduler) dispatch(item *store.QueueItem, state *domainState) {
	done := make(chan struct{})
	s.mu.Lock()
	s.inflight[item.ID] = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer state.release()
		s.runFetchTask(s.taskCtx, item, state)
	}()
}

// prune clears completed tasks from the in-flight set.
func (s *Scheduler) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, done := range s.inflight {
		select {
		case <-done:
			delete(s.inflight, id)
		default:
		}
	}
}

func (s *Scheduler) activeGlobal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Drain waits for all in-flight tasks up to timeout. Returns the number of
// tasks still running when it gave up.
func (s *Scheduler) Drain(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for {
		s.prune()
		remaining := s.activeGlobal()
		if remaining == 0 {
			return 0
		}
		if time.Now().After(deadline) {
			return remaining
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// LastSuccessAt reports the last successful crawl completion.
func (s *Scheduler) LastSuccessAt() time.Time {
	return time.Unix(0, s.lastSuccess.Load())
}

// States exposes the domain state registry to the orchestrator.
func (s *Scheduler) States() *stateRegistry {
	return s.states
}

// runFetchTask performs one crawl attempt for a queue item.
func (s *Scheduler) runFetchTask(ctx context.Context, item *store.QueueItem, state *domainState) {
	host := state.host
	origin, err := urlutil.Origin(item.URL)
	if err != nil {
		s.removeItem(ctx, item)
		return
	}

	policy := s.freshRobots(ctx, origin, host)

	if s.cfg.Politeness.RespectRobotsTxt {
		parsed, err := neturl.Parse(item.URL)
		if err != nil || !policy.IsAllowed(s.cfg.Politeness.GetUserAgent(), parsed.Path) {
			// Terminal, silent for stats: no fetch log, no retry.
			s.removeItem(ctx, item)
			return
		}
	}

	// Unreachable hosts defer the item to a later tick without burning an
	// attempt; the negative DNS result is cached for its TTL.
	if s.dns != nil {
		if resolved := s.dns.Resolve(ctx, host); !resolved.Reachable {
			s.log.Debug("host unreachable, deferring", "host", host, "error", resolved.Err)
			return
		}
	}

	var opts *fetcher.Options
	prior, err := s.store.GetPage(ctx, item.URL)
	if err == nil && (prior.ETag != "" || prior.LastModified != "") {
		opts = &fetcher.Options{ETag: prior.ETag, LastModified: prior.LastModified}
	}

	result, fetchErr := s.fetch.Fetch(ctx, item.URL, opts)

	logRow := &store.FetchLog{DomainID: item.DomainID, URL: item.URL}
	if result != nil {
		logRow.Status = result.Status
		logRow.Bytes = result.Size
		logRow.Duration = result.Duration
	}
	if fetchErr != nil {
		logRow.Error = fetchErr.Error()
	}
	s.batcher.SaveFetchLog(ctx, logRow)

	switch {
	case fetchErr != nil:
		s.handleFetchError(ctx, item, state, fetchErr)
	case result.Status == http.StatusNotModified:
		s.handleNotModified(ctx, item, state, prior)
	case result.Status >= 200 && result.Status < 300:
		s.handleSuccess(ctx, item, state, policy, result)
	case result.Status == http.StatusTooManyRequests, result.Status == http.StatusServiceUnavailable:
		// Retry-After floors both the host bucket and the reschedule time.
		retryAfter := ratelimit.ParseRetryAfter(result.Headers.Get("Retry-After"))
		if !retryAfter.IsZero() {
			s.limits.SetRetryAfter(host, retryAfter)
		}
		state.recordError()
		s.retryOrGiveUp(ctx, item, state, retryAfter)
	case result.Status >= 400 && result.Status < 500:
		// Terminal client error.
		state.recordError()
		s.removeItem(ctx, item)
		s.maybeBlockDomain(ctx, state)
	default:
		state.recordError()
		s.retryOrGiveUp(ctx, item, state, time.Time{})
	}
}

// freshRobots returns the current policy, refetching when the cached copy is
// older than 24 hours, and applies any crawl-delay to the host's bucket.
func (s *Scheduler) freshRobots(ctx context.Context, origin, host string) *robots.Robots {
	policy := s.robots.Get(ctx, origin)
	if time.Since(policy.FetchedAt) > robotsMaxAge {
		s.robots.Invalidate(ctx, origin)
		policy = s.robots.Get(ctx, origin)
	}
	if delay := policy.CrawlDelay(s.cfg.Politeness.GetUserAgent()); delay > 0 {
		s.limits.SetDelay(host, delay)
	}
	state, _ := s.states.lookup(host)
	if state != nil {
		state.mu.Lock()
		state.robotsFetchedAt = policy.FetchedAt
		state.mu.Unlock()
	}
	return policy
}

func (s *Scheduler) handleFetchError(ctx context.Context, item *store.QueueItem, state *domainState, fetchErr error) {
	var fe *fetcher.Error
	if errors.As(fetchErr, &fe) && !fe.Retryable() {
		// Oversized or non-HTML content; terminal but not a health signal.
		s.removeItem(ctx, item)
		return
	}
	state.recordError()
	s.retryOrGiveUp(ctx, item, state, time.Time{})
}

func (s *Scheduler) handleNotModified(ctx context.Context, item *store.QueueItem, state *domainState, prior *store.Page) {
	if prior != nil {
		touch := *prior
		touch.LastFetchedAt = time.Now().UTC()
		if err := s.batcher.UpdatePage(ctx, &touch); err != nil {
			s.log.Warn("failed to touch page after 304", "url", item.URL, "error", err)
		}
	}
	state.resetErrors()
	s.removeItem(ctx, item)
	s.recordSuccess(ctx, state)
}

func (s *Scheduler) handleSuccess(ctx context.Context, item *store.QueueItem, state *domainState, policy *robots.Robots, result *fetcher.Result) {
	content := extract.Extract(string(result.Body), result.FinalURL)

	category := categorize.Categorize(categorize.Input{
		Title:       content.Title,
		Description: content.Description,
		Text:        content.Text,
		Host:        state.host,
	}, s.oracle)

	now := time.Now().UTC()
	page := &store.Page{
		DomainID:      item.DomainID,
		URL:           item.URL,
		Title:         content.Title,
		Description:   content.Description,
		Category:      category.Category,
		Lang:          content.Lang,
		ContentHash:   content.Hash,
		ETag:          result.ETag,
		LastModified:  result.LastModified,
		Canonical:     content.Canonical,
		Meta:          content.Meta,
		TextContent:   content.Text,
		LastFetchedAt: now,
	}

	created := false
	if _, err := s.store.GetPage(ctx, item.URL); errors.Is(err, store.ErrNotFound) {
		created = true
	}
	var persistErr error
	if created {
		persistErr = s.batcher.CreatePage(ctx, page)
	} else {
		persistErr = s.batcher.UpdatePage(ctx, page)
	}
	if persistErr != nil {
		s.log.Warn("failed to persist page", "url", item.URL, "error", persistErr)
	}

	s.discoverAndEnqueue(ctx, item, state, policy, &content, page)

	state.resetErrors()
	s.removeItem(ctx, item)
	s.recordSuccess(ctx, state)
}

func (s *Scheduler) discoverAndEnqueue(ctx context.Context, item *store.QueueItem, state *domainState, policy *robots.Robots, content *extract.Content, page *store.Page) {
	var robotsFilter *robots.Robots
	if s.cfg.Politeness.RespectRobotsTxt {
		robotsFilter = policy
	}
	pipeline := discover.New(s.cfg.Discovery, s.cfg.Politeness.GetUserAgent())
	summary := pipeline.FromHTML(content, item.URL, discover.Options{
		DomainFilter: state.host,
		Robots:       robotsFilter,
		BasePriority: seedPriority + crawledLinkBoost,
	})

	if page.ID != 0 && len(content.Links) > 0 {
		links := make([]*store.Link, 0, len(content.Links))
		for _, link := range content.Links {
			links = append(links, &store.Link{
				FromPageID: page.ID,
				ToURL:      link.URL,
				NoFollow:   link.NoFollow,
			})
		}
		s.batcher.SaveLinks(ctx, links)
	}

	if len(summary.Accepted) == 0 {
		return
	}
	items := make([]*store.QueueItem, 0, len(summary.Accepted))
	for _, u := range summary.Accepted {
		items = append(items, &store.QueueItem{
			DomainID: item.DomainID,
			URL:      u.NormalizedURL,
			Priority: u.Priority,
			Reason:   store.ReasonLink,
		})
	}
	s.batcher.EnqueueBatch(ctx, items)
}

func (s *Scheduler) recordSuccess(ctx context.Context, state *domainState) {
	s.lastSuccess.Store(time.Now().UnixNano())
	domain, err := s.store.GetDomain(ctx, state.host)
	if err != nil {
		return
	}
	domain.LastCrawledAt = time.Now().UTC()
	domain.ErrorCount = 0
	if domain.Status == store.DomainPending {
		domain.Status = store.DomainActive
	}
	if err := s.store.UpdateDomain(ctx, domain); err != nil {
		s.log.Warn("failed to update domain after crawl", "host", state.host, "error", err)
	}
}

// retryOrGiveUp re-schedules the item with exponential backoff, or removes it
// once retries are exhausted. minNotBefore floors the reschedule time for
// Retry-After responses.
func (s *Scheduler) retryOrGiveUp(ctx context.Context, item *store.QueueItem, state *domainState, minNotBefore time.Time) {
	if item.Attempts < s.cfg.Politeness.MaxRetries {
		backoff := s.backoff(item.Attempts)
		next := time.Now().UTC().Add(backoff)
		if next.Before(minNotBefore) {
			next = minNotBefore
		}
		if err := s.store.IncrementAttempts(ctx, item.ID, next); err != nil {
			s.log.Warn("failed to reschedule item", "url", item.URL, "error", err)
		}
		return
	}
	s.removeItem(ctx, item)
	s.maybeBlockDomain(ctx, state)
}

func (s *Scheduler) backoff(attempts int) time.Duration {
	base := s.cfg.Politeness.RetryBackoffBase
	backoff := time.Duration(float64(s.cfg.Politeness.DefaultDelay) * math.Pow(base, float64(attempts)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// maybeBlockDomain transitions a domain to error status after ten consecutive
// failures. Only an operator unblock re-enables it.
func (s *Scheduler) maybeBlockDomain(ctx context.Context, state *domainState) {
	_, _, errs := state.snapshot()
	if errs < errorBlockStreak {
		return
	}
	state.block()
	domain, err := s.store.GetDomain(ctx, state.host)
	if err != nil {
		return
	}
	domain.Status = store.DomainError
	domain.ErrorCount = errs
	if err := s.store.UpdateDomain(ctx, domain); err != nil {
		s.log.Warn("failed to mark domain errored", "host", state.host, "error", err)
	}
	s.log.Warn("domain blocked after consecutive errors", "host", state.host, "errors", errs)
}

// UnblockDomain clears a domain's error state and returns it to active.
func (s *Scheduler) UnblockDomain(ctx context.Context, host string) error {
	domain, err := s.store.GetDomain(ctx, host)
	if err != nil {
		return err
	}
	domain.Status = store.DomainActive
	domain.ErrorCount = 0
	if err := s.store.UpdateDomain(ctx, domain); err != nil {
		return err
	}
	s.states.unblock(host)
	return nil
}

func (s *Scheduler) removeItem(ctx context.Context, item *store.QueueItem) {
	if err := s.store.RemoveItem(ctx, item.ID); err != nil {
		s.log.Warn("failed to remove queue item", "url", item.URL, "error", err)
	}
}

func sortByPriority(items []*store.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority > items[j].Priority
	})
}

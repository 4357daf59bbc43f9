package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yhtsearch/crawler/config"
	"github.com/yhtsearch/crawler/logger"
)

// failingStore wraps Memory and fails batch writes until unblocked.
type failingStore struct {
	*Memory
	mu      sync.Mutex
	failing bool
	batches [][]*QueueItem
}

func (f *failingStore) AddBatchToCrawlQueue(ctx context.Context, items []*QueueItem) error {
	f.mu.Lock()
	failing := f.failing
	if !failing {
		batch := make([]*QueueItem, len(items))
		copy(batch, items)
		f.batches = append(f.batches, batch)
	}
	f.mu.Unlock()
	if failing {
		return errors.New("database unavailable")
	}
	return f.Memory.AddBatchToCrawlQueue(ctx, items)
}

func (f *failingStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func testBatchingConfig() config.BatchingConfig {
	cfg := config.New().Batching
	cfg.BatchSize = 3
	cfg.FlushInterval = 50 * time.Millisecond
	return cfg
}

func queueItems(urls ...string) []*QueueItem {
	items := make([]*QueueItem, 0, len(urls))
	for _, u := range urls {
		items = append(items, &QueueItem{DomainID: 1, URL: u, Priority: 50, Reason: ReasonLink})
	}
	return items
}

func TestBatcherFlushesOnSize(t *testing.T) {
	ctx := context.Background()
	backing := NewMemory()
	b := NewBatcher(backing, testBatchingConfig(), logger.Noop())
	defer b.Close(ctx)

	b.EnqueueBatch(ctx, queueItems("https://a.com/1", "https://a.com/2"))
	stats, err := backing.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total) // below batch size, still buffered

	b.EnqueueBatch(ctx, queueItems("https://a.com/3"))
	stats, err = backing.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
}

func TestBatcherFlushesOnTimer(t *testing.T) {
	ctx := context.Background()
	backing := NewMemory()
	b := NewBatcher(backing, testBatchingConfig(), logger.Noop())
	defer b.Close(ctx)

	b.EnqueueBatch(ctx, queueItems("https://a.com/1"))

	assert.Eventually(t, func() bool {
		stats, err := backing.GetQueueStats(ctx)
		return err == nil && stats.Total == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBatcherRebuffersOnError(t *testing.T) {
	ctx := context.Background()
	backing := &failingStore{Memory: NewMemory(), failing: true}
	b := NewBatcher(backing, testBatchingConfig(), logger.Noop())
	defer b.Close(ctx)

	b.EnqueueBatch(ctx, queueItems("https://a.com/1", "https://a.com/2", "https://a.com/3"))

	stats, err := backing.Memory.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.False(t, b.PersistenceDegradedSince().IsZero())

	backing.setFailing(false)
	b.FlushAll(ctx)

	stats, err = backing.Memory.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.True(t, b.PersistenceDegradedSince().IsZero())
}

func TestBatcherPreservesOrderAcrossRetry(t *testing.T) {
	ctx := context.Background()
	backing := &failingStore{Memory: NewMemory(), failing: true}
	cfg := testBatchingConfig()
	cfg.BatchSize = 100 // force timer/manual flushes only
	b := NewBatcher(backing, cfg, logger.Noop())
	defer b.Close(ctx)

	b.EnqueueBatch(ctx, queueItems("https://a.com/1", "https://a.com/2"))
	b.FlushAll(ctx) // fails, re-buffers to the front
	b.EnqueueBatch(ctx, queueItems("https://a.com/3"))

	backing.setFailing(false)
	b.FlushAll(ctx)

	backing.mu.Lock()
	defer backing.mu.Unlock()
	require.Len(t, backing.batches, 1)
	urls := make([]string, 0, 3)
	for _, item := range backing.batches[0] {
		urls = append(urls, item.URL)
	}
	assert.Equal(t, []string{"https://a.com/1", "https://a.com/2", "https://a.com/3"}, urls)
}

func TestBatcherFlushAllDrainsEveryStream(t *testing.T) {
	ctx := context.Background()
	backing := NewMemory()
	cfg := testBatchingConfig()
	cfg.BatchSize = 100
	b := NewBatcher(backing, cfg, logger.Noop())

	page := &Page{DomainID: 1, URL: "https://a.com/", ContentHash: "h"}
	require.NoError(t, b.CreatePage(ctx, page))

	b.EnqueueBatch(ctx, queueItems("https://a.com/x"))
	b.SaveLinks(ctx, []*Link{{FromPageID: page.ID, ToURL: "https://a.com/x"}})
	b.SaveFetchLog(ctx, &FetchLog{DomainID: 1, URL: "https://a.com/", Status: 200})

	b.Close(ctx)

	stats, err := backing.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)

	links, err := backing.GetLinksFromPage(ctx, page.ID)
	require.NoError(t, err)
	assert.Len(t, links, 1)

	logs, err := backing.GetRecentFetchLogs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestPageIndexingContract(t *testing.T) {
	ctx := context.Background()
	backing := NewMemory()
	b := NewBatcher(backing, testBatchingConfig(), logger.Noop())
	defer b.Close(ctx)

	page := &Page{DomainID: 1, URL: "https://a.com/", Title: "T", ContentHash: "h1", Category: "news"}
	require.NoError(t, b.CreatePage(ctx, page))

	payload, ok := backing.IndexedPayload(page.ID)
	require.True(t, ok)
	assert.Equal(t, "T", payload.Title)

	// Unchanged hash: no re-index.
	require.NoError(t, backing.IndexPageContent(ctx, page.ID, &IndexPayload{Title: "sentinel"}))
	same := &Page{URL: "https://a.com/", Title: "T", ContentHash: "h1", LastFetchedAt: time.Now()}
	require.NoError(t, b.UpdatePage(ctx, same))
	payload, _ = backing.IndexedPayload(page.ID)
	assert.Equal(t, "sentinel", payload.Title)

	// Changed hash: re-indexed.
	changed := &Page{URL: "https://a.com/", Title: "T2", ContentHash: "h2"}
	require.NoError(t, b.UpdatePage(ctx, changed))
	payload, _ = backing.IndexedPayload(page.ID)
	assert.Equal(t, "T2", payload.Title)
}

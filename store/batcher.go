package store

import (
	"context"
	"sync"
	"time"

	"github.com/yhtsearch/crawler/config"
	"github.com/yhtsearch/crawler/logger"
)

// Batcher buffers queue inserts, link saves, and fetch logs, flushing each
// stream when it reaches the batch size or the flush timer fires. Page
// create/update pass through directly and trigger search indexing when
// content appears or changes. On a flush error items are pushed back to the
// front of the buffer and retried next cycle.
type Batcher struct {
	store Store
	cfg   config.BatchingConfig
	log   logger.Logger

	queueStream *stream[*QueueItem]
	linkStream  *stream[*Link]
	logStream   *stream[*FetchLog]
}

// NewBatcher wraps a store with buffered writes.
func NewBatcher(backing Store, cfg config.BatchingConfig, log logger.Logger) *Batcher {
	if log == nil {
		log = logger.Noop()
	}
	log = log.With("component", "batcher")
	b := &Batcher{store: backing, cfg: cfg, log: log}

	b.queueStream = newStream(cfg, log.With("stream", "queue"), func(ctx context.Context, items []*QueueItem) error {
		return backing.AddBatchToCrawlQueue(ctx, items)
	})
	b.linkStream = newStream(cfg, log.With("stream", "links"), func(ctx context.Context, links []*Link) error {
		return backing.SaveLinks(ctx, links)
	})
	b.logStream = newStream(cfg, log.With("stream", "fetch_logs"), func(ctx context.Context, logs []*FetchLog) error {
		return backing.SaveFetchLogs(ctx, logs)
	})
	return b
}

// EnqueueBatch buffers queue items for insertion.
func (b *Batcher) EnqueueBatch(ctx context.Context, items []*QueueItem) {
	b.queueStream.add(ctx, items)
}

// SaveLinks buffers link rows.
func (b *Batcher) SaveLinks(ctx context.Context, links []*Link) {
	b.linkStream.add(ctx, links)
}

// SaveFetchLog buffers one fetch log row.
func (b *Batcher) SaveFetchLog(ctx context.Context, log *FetchLog) {
	b.logStream.add(ctx, []*FetchLog{log})
}

// CreatePage writes the page directly and indexes its content.
func (b *Batcher) CreatePage(ctx context.Context, p *Page) error {
	if err := b.store.CreatePage(ctx, p); err != nil {
		return err
	}
	b.index(ctx, p)
	return nil
}

// UpdatePage writes the page directly. Indexing happens only when the
// content hash changed.
func (b *Batcher) UpdatePage(ctx context.Context, p *Page) error {
	existing, err := b.store.GetPage(ctx, p.URL)
	if err != nil {
		return err
	}
	hashChanged := existing.ContentHash != p.ContentHash
	if err := b.store.UpdatePage(ctx, p); err != nil {
		return err
	}
	if hashChanged {
		b.index(ctx, p)
	}
	return nil
}

// index hands the page to the search index. Failures are logged, never fatal.
func (b *Batcher) index(ctx context.Context, p *Page) {
	payload := &IndexPayload{
		Title:       p.Title,
		Description: p.Description,
		TextContent: p.TextContent,
		Category:    p.Category,
		Meta:        p.Meta,
	}
	if err := b.store.IndexPageContent(ctx, p.ID, payload); err != nil {
		b.log.Warn("failed to index page content", "page_id", p.ID, "url", p.URL, "error", err)
	}
}

// FlushAll drains every stream. Called at shutdown and by the memory monitor.
func (b *Batcher) FlushAll(ctx context.Context) {
	b.queueStream.flush(ctx)
	b.linkStream.flush(ctx)
	b.logStream.flush(ctx)
}

// Close stops the flush timers after a final drain.
func (b *Batcher) Close(ctx context.Context) {
	b.FlushAll(ctx)
	b.queueStream.close()
	b.linkStream.close()
	b.logStream.close()
}

// stream is one buffered write path with its own timer and mutex.
type stream[T any] struct {
	mu      sync.Mutex
	buf     []T
	timer   *time.Timer
	cfg     config.BatchingConfig
	log     logger.Logger
	write   func(context.Context, []T) error
	closed  bool
	lastErr time.Time
}

func newStream[T any](cfg config.BatchingConfig, log logger.Logger, write func(context.Context, []T) error) *stream[T] {
	return &stream[T]{cfg: cfg, log: log, write: write}
}

func (s *stream[T]) add(ctx context.Context, items []T) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	wasEmpty := len(s.buf) == 0
	s.buf = append(s.buf, items...)
	full := len(s.buf) >= s.cfg.BatchSize

	if full {
		// A size-triggered flush supersedes the pending timer.
		s.stopTimerLocked()
		batch := s.takeLocked()
		s.mu.Unlock()
		s.writeBatch(ctx, batch)
		return
	}

	if wasEmpty && !s.closed {
		s.timer = time.AfterFunc(s.cfg.FlushInterval, func() {
			s.flush(context.Background())
		})
	}
	s.mu.Unlock()
}

func (s *stream[T]) flush(ctx context.Context) {
	s.mu.Lock()
	s.stopTimerLocked()
	batch := s.takeLocked()
	s.mu.Unlock()
	s.writeBatch(ctx, batch)
}

func (s *stream[T]) writeBatch(ctx context.Context, batch []T) {
	if len(batch) == 0 {
		return
	}
	err := s.write(ctx, batch)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastErr = time.Time{}
		return
	}
	s.log.Warn("flush failed, re-buffering", "count", len(batch), "error", err)
	s.buf = append(batch, s.buf...)
	s.lastErr = time.Now()
	if s.timer == nil && !s.closed {
		s.timer = time.AfterFunc(s.cfg.FlushInterval, func() {
			s.flush(context.Background())
		})
	}
}

func (s *stream[T]) lastError() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// PersistenceDegradedSince returns the earliest unresolved flush failure
// across streams, or zero when all streams are healthy.
func (b *Batcher) PersistenceDegradedSince() time.Time {
	earliest := time.Time{}
	for _, t := range []time.Time{
		b.queueStream.lastError(),
		b.linkStream.lastError(),
		b.logStream.lastError(),
	} {
		if t.IsZero() {
			continue
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest
}

func (s *stream[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopTimerLocked()
}

func (s *stream[T]) takeLocked() []T {
	batch := s.buf
	s.buf = nil
	return batch
}

func (s *stream[T]) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

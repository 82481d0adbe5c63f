// Package crawler polls a RecentChanges source, turns the difference
// between successive snapshots into ingested change events and publishes
// them.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/TobiSchelling/rcwatch/internal/feed"
)

// DefaultInterval is the poll period.
const DefaultInterval = 3 * time.Second

// Source is where snapshots and diffs come from.
type Source interface {
	Snapshot(ctx context.Context) (feed.Snapshot, error)
	Diff(ctx context.Context, article string) ([]feed.DiffRecord, error)
}

// Ingester persists a chronological batch.
type Ingester interface {
	Ingest(ctx context.Context, events []feed.ChangeEvent) error
}

// Publisher receives the events of one article after they are ingested.
type Publisher interface {
	Publish(ctx context.Context, article string, events []feed.ChangeEvent) error
}

// Clock returns the current time in epoch seconds.
type Clock func() float64

// Crawler drives detection, diff enrichment, stamping, ingest and publish.
type Crawler struct {
	source    Source
	ingester  Ingester
	publisher Publisher
	clock     Clock
	interval  time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	last float64
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithPublisher sets where ingested events are published.
func WithPublisher(p Publisher) Option {
	return func(c *Crawler) { c.publisher = p }
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Crawler) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithInterval sets the poll period of Run.
func WithInterval(d time.Duration) Option {
	return func(c *Crawler) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithFloor makes every stamp strictly greater than t, typically the
// newest stamp already stored.
func WithFloor(t float64) Option {
	return func(c *Crawler) { c.last = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Crawler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a crawler reading from source and writing to ingester.
func New(source Source, ingester Ingester, opts ...Option) *Crawler {
	c := &Crawler{
		source:   source,
		ingester: ingester,
		clock:    feed.Epoch,
		interval: DefaultInterval,
		logger:   slog.Default(),
		last:     math.Inf(-1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CrawlOnce fetches a snapshot and ingests what is new relative to old.
// With a nil old it only establishes the baseline. On error the returned
// snapshot is old, so the next round retries the same delta. An ingest
// that reached the store but not the cache counts as done.
func (c *Crawler) CrawlOnce(ctx context.Context, old feed.Snapshot) (feed.Snapshot, []feed.ChangeEvent, error) {
	cur, err := c.source.Snapshot(ctx)
	if err != nil {
		return old, nil, fmt.Errorf("crawl: %w", err)
	}
	if cur == nil {
		cur = feed.Snapshot{}
	}
	if old == nil {
		c.logger.Info("baseline snapshot", "rows", len(cur))
		return cur, nil, nil
	}

	events := feed.Reverse(feed.Detect(old, cur))
	if len(events) == 0 {
		return cur, nil, nil
	}

	failures := 0
	for i := range events {
		diff, err := c.source.Diff(ctx, events[i].Article)
		if err != nil {
			if ctx.Err() != nil {
				return old, nil, fmt.Errorf("crawl: %w", ctx.Err())
			}
			failures++
			c.logger.Warn("diff fetch failed", "article", events[i].Article, "error", err)
		}
		events[i].Diff = diff
		events[i].IngestedAt = c.stamp()
	}

	if err := c.ingester.Ingest(ctx, events); err != nil {
		if !errors.Is(err, feed.ErrPartialIngest) {
			return old, nil, fmt.Errorf("crawl: %w", err)
		}
		// Stored already; retrying the delta would store it twice.
		c.logger.Warn("changes stored but not fully indexed", "fresh", len(events), "error", err)
	}
	published := c.publish(ctx, events)

	c.logger.Info("crawled changes", "fresh", len(events),
		"diff_failures", failures, "published", published)
	return cur, events, nil
}

// stamp returns the clock reading, nudged above the previous stamp when
// the clock did not advance.
func (c *Crawler) stamp() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.clock()
	if t <= c.last {
		t = math.Nextafter(c.last, math.Inf(1))
	}
	c.last = t
	return t
}

// publish sends one message per article, articles in name order and each
// article's events oldest first. It returns the number of messages sent.
func (c *Crawler) publish(ctx context.Context, events []feed.ChangeEvent) int {
	if c.publisher == nil {
		return 0
	}
	sorted := make([]feed.ChangeEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Article != sorted[j].Article {
			return sorted[i].Article < sorted[j].Article
		}
		return sorted[i].IngestedAt < sorted[j].IngestedAt
	})

	sent := 0
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].Article == sorted[start].Article {
			end++
		}
		article := sorted[start].Article
		if err := c.publisher.Publish(ctx, article, sorted[start:end]); err != nil {
			c.logger.Warn("publish failed", "article", article, "error", err)
		} else {
			sent++
		}
		start = end
	}
	return sent
}

// Run polls until ctx is done. The first successful poll is the baseline;
// failed polls are logged and keep the previous snapshot.
func (c *Crawler) Run(ctx context.Context) error {
	c.logger.Info("crawler started", "interval", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var snap feed.Snapshot
	for {
		next, _, err := c.CrawlOnce(ctx, snap)
		switch {
		case err == nil:
			snap = next
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			if ctx.Err() != nil {
				c.logger.Info("crawler stopped")
				return nil
			}
			c.logger.Warn("crawl round timed out", "error", err)
		default:
			c.logger.Error("crawl round failed", "error", err)
		}

		select {
		case <-ctx.Done():
			c.logger.Info("crawler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Package engine ties the durable store, the bounded cache and the
// keyword index together. Ingest writes through all three; Query answers
// time range queries from the cache when it can and from the store
// otherwise, with results identical to a store-only query.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/TobiSchelling/rcwatch/internal/cache"
	"github.com/TobiSchelling/rcwatch/internal/feed"
	"github.com/TobiSchelling/rcwatch/internal/kv"
	"github.com/TobiSchelling/rcwatch/internal/prefix"
)

var (
	// ErrInvalidRange rejects a query before any cache or store access.
	ErrInvalidRange = feed.ErrInvalidRange
	// ErrStoreUnavailable wraps every failure of the backing store.
	ErrStoreUnavailable = errors.New("backing store unavailable")
	// ErrCacheUnavailable is returned when the cache keyspace is gone.
	ErrCacheUnavailable = cache.ErrUnavailable
	// ErrContention is returned when a watch/retry loop hits its ceiling.
	ErrContention = kv.ErrContention
	// ErrUnordered rejects an ingest batch that is not strictly
	// chronological or not newer than the stored history.
	ErrUnordered = feed.ErrUnordered
	// ErrPartialIngest means the store took the batch but the cache or the
	// keyword index did not.
	ErrPartialIngest = feed.ErrPartialIngest
)

// Store is the durable, append-only event history. Append must reject
// a batch that does not start above the newest stored event with an
// error wrapping ErrUnordered.
type Store interface {
	Append(ctx context.Context, events []feed.ChangeEvent) error
	Query(ctx context.Context, r feed.Range) ([]feed.ChangeEvent, error)
	LatestActions(ctx context.Context) (map[string]feed.Action, error)
}

// Engine serves the write and read paths.
type Engine struct {
	store  Store
	cache  *cache.Cache
	index  *prefix.Index
	logger *slog.Logger
}

// New creates an engine over explicitly constructed components.
func New(store Store, c *cache.Cache, ix *prefix.Index, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, cache: c, index: ix, logger: logger}
}

// Ingest persists a chronological batch: store first, then cache, then
// keyword index (deletes unregister the article, anything else registers
// it). Every event must already carry its IngestedAt, strictly increasing
// and above every stored one, so no two events share a score.
//
// Once the store has taken the batch the events are durable. A later
// cache or index failure returns ErrPartialIngest; the cache is dropped
// so it never serves a gap, and the caller must not retry the batch,
// which would store it twice.
func (e *Engine) Ingest(ctx context.Context, events []feed.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	for i := 1; i < len(events); i++ {
		if events[i].IngestedAt <= events[i-1].IngestedAt {
			return fmt.Errorf("ingest %d events: %w at index %d", len(events), ErrUnordered, i)
		}
	}

	if err := e.store.Append(ctx, events); err != nil {
		if errors.Is(err, ErrUnordered) {
			return fmt.Errorf("ingest %d events: %w", len(events), err)
		}
		return fmt.Errorf("ingest %d events: %w: %w", len(events), ErrStoreUnavailable, err)
	}
	if err := e.cache.Insert(ctx, events); err != nil {
		if cerr := e.cache.Clear(ctx); cerr != nil {
			e.logger.Error("cache may hold a gap until it is cleared", "error", cerr)
		}
		return fmt.Errorf("ingest %d events: %w: %w", len(events), ErrPartialIngest, err)
	}
	for _, ev := range events {
		if err := e.index.Apply(ctx, ev); err != nil {
			return fmt.Errorf("ingest %d events: %w: %w", len(events), ErrPartialIngest, err)
		}
	}

	e.logger.Debug("ingested events", "count", len(events),
		"from", events[0].IngestedAt, "until", events[len(events)-1].IngestedAt)
	return nil
}

// Query returns the events selected by r. The result always equals what
// the store alone would return for r.
func (e *Engine) Query(ctx context.Context, r feed.Range) ([]feed.ChangeEvent, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	w, err := e.cache.Read(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", describe(r), err)
	}
	if r.Desc {
		return e.queryDesc(ctx, r, w)
	}
	return e.queryAsc(ctx, r, w)
}

// queryAsc serves from the cache only when the lower bound lies inside
// the cached suffix; anything older needs the store.
func (e *Engine) queryAsc(ctx context.Context, r feed.Range, w cache.Window) ([]feed.ChangeEvent, error) {
	if !w.Empty && r.From != nil && *r.From >= w.Oldest {
		return w.Events, nil
	}
	return e.queryStore(ctx, r)
}

// queryDesc takes the newest rows from the cache and, when they do not
// fill the limit and the range reaches below the cached suffix, continues
// in the store strictly below the oldest cached score.
func (e *Engine) queryDesc(ctx context.Context, r feed.Range, w cache.Window) ([]feed.ChangeEvent, error) {
	if w.Empty || (r.Until != nil && w.Oldest > *r.Until) {
		return e.queryStore(ctx, r)
	}
	rows := w.Events
	if len(rows) >= r.Limit || (r.From != nil && *r.From >= w.Oldest) {
		return rows, nil
	}

	rest := r
	rest.Limit = r.Limit - len(rows)
	rest.Until = &w.Oldest
	rest.ExclusiveUntil = true
	older, err := e.queryStore(ctx, rest)
	if err != nil {
		return nil, err
	}
	return append(rows, older...), nil
}

func (e *Engine) queryStore(ctx context.Context, r feed.Range) ([]feed.ChangeEvent, error) {
	rows, err := e.store.Query(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w: %w", describe(r), ErrStoreUnavailable, err)
	}
	return rows, nil
}

// AddKeyword registers an article name in the prefix index.
func (e *Engine) AddKeyword(ctx context.Context, keyword string) (bool, error) {
	return e.index.Add(ctx, keyword)
}

// RemoveKeyword unregisters an article name from the prefix index.
func (e *Engine) RemoveKeyword(ctx context.Context, keyword string) (bool, error) {
	return e.index.Remove(ctx, keyword)
}

// QueryPrefix returns up to limit index entries starting with p.
func (e *Engine) QueryPrefix(ctx context.Context, p string, limit int) ([]string, error) {
	return e.index.Query(ctx, p, limit)
}

// Warm fills an empty cache with the newest stored events and rebuilds
// the keyword index from the latest action of every stored article. A
// cache that another process already keeps is left alone.
func (e *Engine) Warm(ctx context.Context) error {
	newest, err := e.queryStore(ctx, feed.Range{Limit: e.cache.Capacity(), Desc: true})
	if err != nil {
		return fmt.Errorf("warm: %w", err)
	}
	filled, err := e.cache.Fill(ctx, feed.Reverse(newest))
	if err != nil {
		return fmt.Errorf("warm: %w", err)
	}

	actions, err := e.store.LatestActions(ctx)
	if err != nil {
		return fmt.Errorf("warm: %w: %w", ErrStoreUnavailable, err)
	}
	for article, action := range actions {
		if err := e.index.Apply(ctx, feed.ChangeEvent{Article: article, Action: action}); err != nil {
			return fmt.Errorf("warm: %w", err)
		}
	}

	e.logger.Info("engine warmed", "filled", filled, "stored", len(newest), "articles", len(actions))
	return nil
}

func describe(r feed.Range) string {
	s := fmt.Sprintf("(limit=%d desc=%t", r.Limit, r.Desc)
	if r.Article != "" {
		s += fmt.Sprintf(" article=%q", r.Article)
	}
	if r.From != nil {
		s += fmt.Sprintf(" from=%f", *r.From)
	}
	if r.Until != nil {
		s += fmt.Sprintf(" until=%f", *r.Until)
	}
	return s + ")"
}

// Package cache keeps the most recent change events in a bounded Redis
// sorted set scored by ingestion time. It always holds a contiguous suffix
// of the ingested history: the newest Capacity events, never a sparse
// sample.
package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/TobiSchelling/rcwatch/internal/feed"
	"github.com/TobiSchelling/rcwatch/internal/kv"
)

const (
	DefaultKey      = "recentchange-cache"
	DefaultCapacity = 1000
)

// ErrUnavailable is returned when the keyspace cannot be reached.
var ErrUnavailable = kv.ErrUnavailable

// Option configures a Cache.
type Option func(*Cache)

// WithKey overrides the sorted set key.
func WithKey(key string) Option {
	return func(c *Cache) {
		if key != "" {
			c.key = key
		}
	}
}

// WithMaxRetries bounds the watch/retry loop of Fill.
func WithMaxRetries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cache is the bounded recent changes cache.
type Cache struct {
	kv         *kv.Store
	key        string
	capacity   int
	maxRetries int
	logger     *slog.Logger
}

// New creates a cache of the given capacity on store.
func New(store *kv.Store, capacity int, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		kv:         store,
		key:        DefaultKey,
		capacity:   capacity,
		maxRetries: kv.DefaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capacity returns the maximum number of cached events.
func (c *Cache) Capacity() int { return c.capacity }

// Len returns the number of cached events.
func (c *Cache) Len(ctx context.Context) (int, error) {
	n, err := c.kv.Client().ZCard(ctx, c.key).Result()
	return int(n), c.wrap("len", err)
}

// Insert adds a chronological batch, evicting the oldest cached events so
// that at most Capacity remain. When the batch alone is larger than the
// capacity only its newest Capacity events are kept.
func (c *Cache) Insert(ctx context.Context, events []feed.ChangeEvent) error {
	members, err := encode(events)
	if err != nil || len(members) == 0 {
		return err
	}

	var evicted *redis.IntCmd
	_, err = c.kv.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, c.key, members...)
		evicted = c.trim(ctx, p)
		return nil
	})
	if err != nil {
		return c.wrap("insert", err)
	}

	if n := evicted.Val(); n > 0 {
		c.logger.Debug("cache: evicted oldest entries", "evicted", n, "inserted", len(members))
	}
	return nil
}

// Fill inserts events only if the cache is empty, and reports whether it
// did. A concurrent Insert either lands first, and Fill backs off, or
// aborts Fill's transaction, which is then retried.
func (c *Cache) Fill(ctx context.Context, events []feed.ChangeEvent) (bool, error) {
	members, err := encode(events)
	if err != nil {
		return false, err
	}

	var filled bool
	err = c.kv.WatchRetry(ctx, c.maxRetries, func(tx *redis.Tx) error {
		filled = false
		n, err := tx.ZCard(ctx, c.key).Result()
		if err != nil || n > 0 || len(members) == 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, c.key, members...)
			c.trim(ctx, p)
			return nil
		})
		filled = err == nil
		return err
	}, c.key)
	if err != nil {
		return false, c.wrap("fill", err)
	}
	return filled, nil
}

// Clear drops every cached event.
func (c *Cache) Clear(ctx context.Context) error {
	return c.wrap("clear", c.kv.Client().Del(ctx, c.key).Err())
}

// trim keeps the Capacity highest scores. Ranks are taken over cache and
// batch together, so the lowest scores go first whichever side they come
// from.
func (c *Cache) trim(ctx context.Context, p redis.Pipeliner) *redis.IntCmd {
	return p.ZRemRangeByRank(ctx, c.key, 0, int64(-c.capacity-1))
}

func (c *Cache) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cache %s: %w", op, kv.Wrap(err))
}

func encode(events []feed.ChangeEvent) ([]redis.Z, error) {
	members := make([]redis.Z, len(events))
	for i, e := range events {
		entry, err := feed.EncodeEntry(e)
		if err != nil {
			return nil, fmt.Errorf("cache insert: %w", err)
		}
		members[i] = redis.Z{Score: e.IngestedAt, Member: entry}
	}
	return members, nil
}

// Package prefix indexes article names for "starts with" lookups.
//
// Registered names live in a set. Every non-empty prefix of a registered
// name is an entry of a lexicographically ordered set, together with a
// count of the names sharing it, so removing one name never hides
// another's prefixes.
package prefix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/TobiSchelling/rcwatch/internal/feed"
	"github.com/TobiSchelling/rcwatch/internal/kv"
)

const (
	DefaultKeywordsKey = "keywords"
	DefaultPrefixKey   = "keyword-prefix"
	DefaultCountsKey   = "keyword-prefix-refs"
)

// ErrEmptyPrefix is returned by Query for an empty prefix.
var ErrEmptyPrefix = errors.New("empty prefix")

// Index is the keyword prefix index.
type Index struct {
	kv          *kv.Store
	keywordsKey string
	prefixKey   string
	countsKey   string
	maxRetries  int
	logger      *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithMaxRetries bounds the watch/retry loop of Add and Remove.
func WithMaxRetries(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.maxRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		if logger != nil {
			ix.logger = logger
		}
	}
}

// New creates an index on store.
func New(store *kv.Store, opts ...Option) *Index {
	ix := &Index{
		kv:          store,
		keywordsKey: DefaultKeywordsKey,
		prefixKey:   DefaultPrefixKey,
		countsKey:   DefaultCountsKey,
		maxRetries:  kv.DefaultMaxRetries,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Add registers keyword. It returns false if it was already registered.
func (ix *Index) Add(ctx context.Context, keyword string) (bool, error) {
	if keyword == "" {
		return false, nil
	}
	var added bool
	err := ix.kv.WatchRetry(ctx, ix.maxRetries, func(tx *redis.Tx) error {
		added = false
		present, err := tx.SIsMember(ctx, ix.keywordsKey, keyword).Result()
		if err != nil || present {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SAdd(ctx, ix.keywordsKey, keyword)
			for _, pre := range Prefixes(keyword) {
				p.HIncrBy(ctx, ix.countsKey, pre, 1)
				p.ZAdd(ctx, ix.prefixKey, redis.Z{Member: pre})
			}
			return nil
		})
		added = err == nil
		return err
	}, ix.watched()...)
	if err != nil {
		return false, fmt.Errorf("add keyword %q: %w", keyword, err)
	}
	return added, nil
}

// Remove unregisters keyword. It returns false if it was not registered.
func (ix *Index) Remove(ctx context.Context, keyword string) (bool, error) {
	var removed bool
	err := ix.kv.WatchRetry(ctx, ix.maxRetries, func(tx *redis.Tx) error {
		removed = false
		present, err := tx.SIsMember(ctx, ix.keywordsKey, keyword).Result()
		if err != nil || !present {
			return err
		}
		prefixes := Prefixes(keyword)
		refs, err := tx.HMGet(ctx, ix.countsKey, prefixes...).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.SRem(ctx, ix.keywordsKey, keyword)
			for i, pre := range prefixes {
				if count(refs[i]) > 1 {
					p.HIncrBy(ctx, ix.countsKey, pre, -1)
					continue
				}
				p.HDel(ctx, ix.countsKey, pre)
				p.ZRem(ctx, ix.prefixKey, pre)
			}
			return nil
		})
		removed = err == nil
		return err
	}, ix.watched()...)
	if err != nil {
		return false, fmt.Errorf("remove keyword %q: %w", keyword, err)
	}
	return removed, nil
}

// Apply updates the index for one change event: a delete unregisters the
// article, any other action registers it.
func (ix *Index) Apply(ctx context.Context, e feed.ChangeEvent) error {
	var err error
	if e.Action == feed.ActionDelete {
		_, err = ix.Remove(ctx, e.Article)
	} else {
		_, err = ix.Add(ctx, e.Article)
	}
	return err
}

// Contains reports whether keyword is registered.
func (ix *Index) Contains(ctx context.Context, keyword string) (bool, error) {
	ok, err := ix.kv.Client().SIsMember(ctx, ix.keywordsKey, keyword).Result()
	return ok, kv.Wrap(err)
}

// Len returns the number of registered keywords.
func (ix *Index) Len(ctx context.Context) (int, error) {
	n, err := ix.kv.Client().SCard(ctx, ix.keywordsKey).Result()
	return int(n), kv.Wrap(err)
}

// Query returns up to limit prefix entries starting with prefix, in byte
// order.
func (ix *Index) Query(ctx context.Context, prefix string, limit int) ([]string, error) {
	if prefix == "" {
		return nil, ErrEmptyPrefix
	}
	if limit <= 0 {
		return []string{}, nil
	}
	by := &redis.ZRangeBy{Min: "[" + prefix, Max: "+", Count: int64(limit)}
	if next, ok := Increment(prefix); ok {
		by.Max = "(" + next
	}
	entries, err := ix.kv.Client().ZRangeByLex(ctx, ix.prefixKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("query prefix %q: %w", prefix, kv.Wrap(err))
	}
	if entries == nil {
		entries = []string{}
	}
	return entries, nil
}

func (ix *Index) watched() []string {
	return []string{ix.keywordsKey, ix.prefixKey, ix.countsKey}
}

// count reads one HMGET reply slot; missing fields come back as nil.
func count(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Prefixes returns the non-empty prefixes of s cut on rune boundaries,
// shortest first, s itself last.
func Prefixes(s string) []string {
	out := make([]string, 0, utf8.RuneCountInString(s))
	for i := range s {
		if i > 0 {
			out = append(out, s[:i])
		}
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// Increment returns the least string greater than every string that
// starts with prefix. ok is false when no such string exists, i.e. the
// prefix is all 0xFF bytes and the range has no upper bound.
func Increment(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

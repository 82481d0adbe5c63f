package cache

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/TobiSchelling/rcwatch/internal/feed"
)

// Window is one atomic read of the cache.
type Window struct {
	// Oldest is the lowest retained score, meaningless when Empty.
	Oldest float64
	Empty  bool
	// Events are the cached events selected by the range, in its
	// direction, at most its limit.
	Events []feed.ChangeEvent
}

// Read returns the oldest cached score together with the cached events
// selected by r. Both come from the same MULTI, so no write lands between
// them.
func (c *Cache) Read(ctx context.Context, r feed.Range) (Window, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if r.From != nil {
		by.Min = bound(*r.From, r.ExclusiveFrom)
	}
	if r.Until != nil {
		by.Max = bound(*r.Until, r.ExclusiveUntil)
	}
	// Filtering by article happens after the read, so only an unfiltered
	// range can push its limit down.
	if r.Article == "" && r.Limit > 0 {
		by.Count = int64(r.Limit)
	}

	var (
		oldest  *redis.ZSliceCmd
		members *redis.StringSliceCmd
	)
	_, err := c.kv.Client().TxPipelined(ctx, func(p redis.Pipeliner) error {
		oldest = p.ZRangeWithScores(ctx, c.key, 0, 0)
		if r.Desc {
			members = p.ZRevRangeByScore(ctx, c.key, by)
		} else {
			members = p.ZRangeByScore(ctx, c.key, by)
		}
		return nil
	})
	if err != nil {
		return Window{}, c.wrap("read", err)
	}

	w := Window{Empty: len(oldest.Val()) == 0}
	if w.Empty {
		return w, nil
	}
	w.Oldest = oldest.Val()[0].Score

	w.Events = make([]feed.ChangeEvent, 0, min(len(members.Val()), max(r.Limit, 0)))
	for _, m := range members.Val() {
		if len(w.Events) >= r.Limit {
			break
		}
		if !feed.EntryIsAbout(m, r.Article) {
			continue
		}
		e, err := feed.DecodeEntry(m)
		if err != nil {
			return Window{}, c.wrap("read", err)
		}
		w.Events = append(w.Events, e)
	}
	return w, nil
}

func bound(v float64, exclusive bool) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if exclusive {
		return "(" + s
	}
	return s
}

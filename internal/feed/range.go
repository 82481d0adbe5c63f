package feed

import (
	"errors"
	"fmt"
)

// ErrInvalidRange is returned for query parameters that cannot describe a
// result, before any cache or store access.
var ErrInvalidRange = errors.New("invalid range")

// Range selects feed events by ingestion time.
type Range struct {
	// Article restricts the result to one article. Empty means all.
	Article string
	Limit   int

	From           *float64
	Until          *float64
	ExclusiveFrom  bool
	ExclusiveUntil bool

	// Desc returns newest first.
	Desc bool
}

// Validate rejects ranges that could never be answered.
func (r Range) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("%w: limit %d", ErrInvalidRange, r.Limit)
	}
	if r.From != nil && r.Until != nil {
		from, until := *r.From, *r.Until
		if from > until {
			return fmt.Errorf("%w: from %f after until %f", ErrInvalidRange, from, until)
		}
		if from == until && (r.ExclusiveFrom || r.ExclusiveUntil) {
			return fmt.Errorf("%w: empty interval at %f", ErrInvalidRange, from)
		}
	}
	return nil
}

// Contains reports whether t falls inside the range bounds.
func (r Range) Contains(t float64) bool {
	if r.From != nil {
		if r.ExclusiveFrom && t <= *r.From || !r.ExclusiveFrom && t < *r.From {
			return false
		}
	}
	if r.Until != nil {
		if r.ExclusiveUntil && t >= *r.Until || !r.ExclusiveUntil && t > *r.Until {
			return false
		}
	}
	return true
}

// Matches reports whether e is selected by the range's bounds and article.
func (r Range) Matches(e ChangeEvent) bool {
	if r.Article != "" && e.Article != r.Article {
		return false
	}
	return r.Contains(e.IngestedAt)
}

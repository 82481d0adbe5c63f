// Package feed holds the change event model shared by the crawler, the
// store, the cache and the REST layer, together with the snapshot diffing
// and the cache entry codec.
package feed

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrUnordered rejects a batch whose ingestion times are not strictly
	// increasing, or not newer than what is already stored.
	ErrUnordered = errors.New("events not in chronological order")
	// ErrPartialIngest means a batch reached the durable store but not
	// every derived structure. The events must not be ingested again.
	ErrPartialIngest = errors.New("events stored but not fully indexed")
)

// Action is the kind of change a RecentChanges row reports.
type Action string

const (
	ActionModify  Action = "modify"
	ActionAttach  Action = "attach"
	ActionDelete  Action = "delete"
	ActionUnknown Action = "unknown"
)

// ParseAction maps a stored action name back to an Action.
func ParseAction(s string) Action {
	switch Action(s) {
	case ActionModify, ActionAttach, ActionDelete:
		return Action(s)
	default:
		return ActionUnknown
	}
}

// ActionFromIcon derives the action from the icon a RecentChanges row shows.
func ActionFromIcon(src string) Action {
	switch {
	case strings.Contains(src, "diff"):
		return ActionModify
	case strings.Contains(src, "attach"):
		return ActionAttach
	case strings.Contains(src, "deleted"):
		return ActionDelete
	default:
		return ActionUnknown
	}
}

// DiffRecord is one area of an article diff.
type DiffRecord struct {
	Area    string `json:"area"`
	Content string `json:"content"`
}

// ChangeEvent is one entry of the recent changes feed.
type ChangeEvent struct {
	Article    string       `json:"article"`
	Action     Action       `json:"action"`
	Author     string       `json:"author"`
	SourceTime string       `json:"source_time"`
	EditSeq    *int         `json:"edit_seq"`
	Comment    *string      `json:"comment"`
	Diff       []DiffRecord `json:"diff"`
	IngestedAt float64      `json:"ingested_at"`
}

// SameChange reports whether two rows describe the same change of the same
// article. Author, comment and timestamps are ignored.
func (e ChangeEvent) SameChange(o ChangeEvent) bool {
	if e.Article != o.Article || e.Action != o.Action {
		return false
	}
	if e.EditSeq == nil || o.EditSeq == nil {
		return e.EditSeq == nil && o.EditSeq == nil
	}
	return *e.EditSeq == *o.EditSeq
}

// Snapshot is the source's current newest-first view, one row per article.
// A nil Snapshot means no poll happened yet.
type Snapshot []ChangeEvent

// Epoch returns the current wall-clock time in epoch seconds.
func Epoch() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

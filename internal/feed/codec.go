package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEntry is returned when a cache entry cannot be decoded.
var ErrMalformedEntry = errors.New("malformed cache entry")

const entrySep = "\n"

// EncodeEntry packs an event into its cache member form: the article name,
// a newline, then the JSON encoding of the event. Members sort by article
// first, and an article filter is a plain prefix test.
func EncodeEntry(e ChangeEvent) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encoding %q: %w", e.Article, err)
	}
	return e.Article + entrySep + string(data), nil
}

// DecodeEntry is the inverse of EncodeEntry.
func DecodeEntry(entry string) (ChangeEvent, error) {
	var e ChangeEvent
	idx := strings.Index(entry, entrySep)
	if idx < 0 {
		return e, ErrMalformedEntry
	}
	if err := json.Unmarshal([]byte(entry[idx+1:]), &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	return e, nil
}

// EntryIsAbout reports whether a cache entry belongs to article.
// An empty article matches every entry.
func EntryIsAbout(entry, article string) bool {
	if article == "" {
		return true
	}
	return strings.HasPrefix(entry, article+entrySep)
}

// MarshalDiff encodes diff records for the store's diff column.
func MarshalDiff(diff []DiffRecord) (string, error) {
	data, err := json.Marshal(diff)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalDiff decodes the store's diff column. "null" yields a nil slice.
func UnmarshalDiff(s string) ([]DiffRecord, error) {
	var diff []DiffRecord
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &diff); err != nil {
		return nil, err
	}
	return diff, nil
}

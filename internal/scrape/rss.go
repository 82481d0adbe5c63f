package scrape

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/rcwatch/internal/feed"
)

const rssAccept = "application/rss+xml, application/xml, text/xml"

// RSSSource reads the listing from the RecentChanges RSS rendition and
// delegates diffs to the HTML scraper.
type RSSSource struct {
	*HTMLSource
	parser *gofeed.Parser
}

// NewRSSSource creates an RSS backed source rooted at opts.BaseURL.
func NewRSSSource(opts Options) *RSSSource {
	return &RSSSource{HTMLSource: NewHTMLSource(opts), parser: gofeed.NewParser()}
}

// Snapshot fetches and parses the RSS listing, newest first.
func (s *RSSSource) Snapshot(ctx context.Context) (feed.Snapshot, error) {
	u := s.pageURL("RecentChanges", url.Values{"action": {"rss_rc"}})
	body, err := s.get(ctx, u, rssAccept)
	if err != nil {
		return nil, fmt.Errorf("fetching recent changes feed: %w", err)
	}
	snap, err := ParseRSS(s.parser, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", u, err)
	}
	return snap, nil
}

// ParseRSS maps feed items to change rows. The item title is the article;
// a numeric revision in the link's rev parameter becomes the edit number.
func ParseRSS(parser *gofeed.Parser, r io.Reader) (feed.Snapshot, error) {
	if parser == nil {
		parser = gofeed.NewParser()
	}
	f, err := parser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedFormat, err)
	}

	snap := make(feed.Snapshot, 0, len(f.Items))
	seen := make(map[string]bool, len(f.Items))
	for _, item := range f.Items {
		article := strings.TrimSpace(item.Title)
		if article == "" || seen[article] {
			continue
		}
		seen[article] = true

		e := feed.ChangeEvent{
			Article:    article,
			Action:     feed.ActionModify,
			SourceTime: item.Published,
			EditSeq:    revision(item.Link),
		}
		if item.Author != nil {
			e.Author = item.Author.Name
		}
		if item.Description != "" {
			comment := stripHTML(item.Description)
			e.Comment = &comment
		}
		snap = append(snap, e)
	}
	return snap, nil
}

// revision reads "rev=N" or "rev=1.N" from link.
func revision(link string) *int {
	u, err := url.Parse(link)
	if err != nil {
		return nil
	}
	rev := u.Query().Get("rev")
	if i := strings.LastIndexByte(rev, '.'); i >= 0 {
		rev = rev[i+1:]
	}
	n, err := strconv.Atoi(rev)
	if err != nil {
		return nil
	}
	return &n
}

func stripHTML(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

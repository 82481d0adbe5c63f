package scrape

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/TobiSchelling/rcwatch/internal/feed"
)

const htmlAccept = "text/html, application/xhtml+xml"

// HTMLSource scrapes the RecentChanges page and the diff pages.
type HTMLSource struct {
	*fetcher
}

// NewHTMLSource creates a scraper rooted at opts.BaseURL.
func NewHTMLSource(opts Options) *HTMLSource {
	return &HTMLSource{fetcher: newFetcher(opts)}
}

// Snapshot fetches and parses the current RecentChanges listing,
// newest first.
func (s *HTMLSource) Snapshot(ctx context.Context) (feed.Snapshot, error) {
	u := s.pageURL("RecentChanges", nil)
	body, err := s.get(ctx, u, htmlAccept)
	if err != nil {
		return nil, fmt.Errorf("fetching recent changes: %w", err)
	}
	snap, err := ParseRecentChanges(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", u, err)
	}
	return snap, nil
}

// ParseRecentChanges extracts the rows of the last recentChanges table.
// Entry rows carry no class or the class "alt"; an immediately following
// "log" row holds the edit comment.
func ParseRecentChanges(r io.Reader) (feed.Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}
	tables := doc.Find("div.recentChanges")
	if tables.Length() == 0 {
		return nil, fmt.Errorf("no recentChanges block: %w", ErrUnexpectedFormat)
	}
	rows := tables.Last().Find("tbody").First().Find("tr")

	snap := feed.Snapshot{}
	for i := 0; i < rows.Length(); i++ {
		tr := rows.Eq(i)
		class := firstClass(tr)
		if class != "" && class != "alt" {
			continue
		}
		var log *goquery.Selection
		if i+1 < rows.Length() && firstClass(rows.Eq(i+1)) == "log" {
			log = rows.Eq(i + 1)
		}
		e, err := parseRow(tr, log)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		snap = append(snap, e)
	}
	return snap, nil
}

func parseRow(tr, log *goquery.Selection) (feed.ChangeEvent, error) {
	title := tr.Find("td.title").First().Find("a").First().Find("span").First()
	if title.Length() == 0 {
		return feed.ChangeEvent{}, fmt.Errorf("missing title: %w", ErrUnexpectedFormat)
	}

	e := feed.ChangeEvent{
		Article:    title.Text(),
		Action:     feed.ActionFromIcon(tr.Find("img").First().AttrOr("src", "")),
		Author:     tr.Find("td.author span.rc-editors span.editor").First().Text(),
		SourceTime: strings.TrimSpace(tr.Find("td.date").First().Text()),
	}
	if num := tr.Find("td.editinfo span.num").First(); num.Length() > 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(num.Text())); err == nil {
			e.EditSeq = &n
		}
	}

	if log != nil {
		comment := ""
		if small := log.Find(`small[name="word-break"]`).First(); small.Length() > 0 {
			comment = ownText(small.Nodes[0])
		}
		e.Comment = &comment
	}
	return e, nil
}

func firstClass(s *goquery.Selection) string {
	fields := strings.Fields(s.AttrOr("class", ""))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// ownText concatenates the text nodes directly under n, skipping the text
// of nested elements.
func ownText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

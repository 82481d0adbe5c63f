package scrape

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/TobiSchelling/rcwatch/internal/feed"
)

// Diff fetches the latest diff of article.
func (s *HTMLSource) Diff(ctx context.Context, article string) ([]feed.DiffRecord, error) {
	u := s.pageURL(article, url.Values{"action": {"diff"}})
	body, err := s.get(ctx, u, htmlAccept)
	if err != nil {
		return nil, fmt.Errorf("fetching diff of %q: %w", article, err)
	}
	pageURL, _ := url.Parse(u)
	diff, err := ParseDiff(bytes.NewReader(body), pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing diff of %q: %w", article, err)
	}
	return diff, nil
}

// ParseDiff turns a diff page into area records.
//
// Inside the first div.fancyDiff, a diff-sep element opens a new area
// named by its text. Added blocks are written as \+...+\ and removed
// blocks as \-...-\, with changed words inside them as \>...\<. A br is a
// newline and literal backslashes are doubled. Text before the first
// separator belongs to no area and is dropped.
//
// A page without a fancyDiff block falls back to its readable text as a
// single record with an empty area.
func ParseDiff(r io.Reader, pageURL *url.URL) ([]feed.DiffRecord, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	block := doc.Find("div.fancyDiff").First()
	if block.Length() == 0 {
		return readableDiff(raw, pageURL)
	}

	var (
		records []feed.DiffRecord
		area    *string
		buf     strings.Builder
	)
	for c := block.Nodes[0].FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			buf.WriteString(escape(strings.TrimSpace(c.Data)))
			continue
		}
		if c.Type != html.ElementNode {
			continue
		}

		switch c.Data {
		case "br":
			buf.WriteString("\n")
			continue
		case "h2":
			continue
		}

		sel := goquery.NewDocumentFromNode(c).Selection
		switch firstClass(sel) {
		case "diff-sep":
			if area != nil {
				records = append(records, feed.DiffRecord{Area: *area, Content: buf.String()})
			}
			name := sel.Text()
			area = &name
			buf.Reset()
		case "diff-added":
			writeChange(&buf, sel, "diff-added", "ins", `\+`, `+\`)
		case "diff-removed":
			writeChange(&buf, sel, "diff-removed", "del", `\-`, `-\`)
		default:
			buf.WriteString(escape(sel.Text()))
		}
	}
	if area != nil {
		records = append(records, feed.DiffRecord{Area: *area, Content: buf.String()})
	}
	return records, nil
}

// writeChange renders an added or removed block. The content may be
// wrapped once more in a div of the same class.
func writeChange(buf *strings.Builder, sel *goquery.Selection, class, word, start, end string) {
	if inner := sel.Find("div." + class).First(); inner.Length() > 0 {
		sel = inner
	}
	buf.WriteString(start)
	for c := sel.Nodes[0].FirstChild; c != nil; c = c.NextSibling {
		switch {
		case c.Type == html.TextNode:
			buf.WriteString(escape(strings.TrimSpace(c.Data)))
		case c.Type != html.ElementNode:
		case c.Data == "br":
			buf.WriteString("\n")
		case c.Data == word:
			buf.WriteString(`\>`)
			buf.WriteString(escape(goquery.NewDocumentFromNode(c).Text()))
			buf.WriteString(`\<`)
		}
	}
	buf.WriteString(end)
	buf.WriteString("\n")
}

func readableDiff(raw []byte, pageURL *url.URL) ([]feed.DiffRecord, error) {
	article, err := readability.FromReader(bytes.NewReader(raw), pageURL)
	if err != nil {
		return nil, fmt.Errorf("no fancyDiff block: %w", ErrUnexpectedFormat)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return nil, fmt.Errorf("no fancyDiff block: %w", ErrUnexpectedFormat)
	}
	return []feed.DiffRecord{{Area: "", Content: escape(text)}}, nil
}

func escape(s string) string {
	return strings.ReplaceAll(s, `\`, `\\`)
}

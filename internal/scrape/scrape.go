// Package scrape reads a MoniWiki style site: the RecentChanges listing
// (as HTML or as its RSS rendition) and the per-article diff pages.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultUserAgent      = "Mozilla/5.0 (X11; U; Linux i686) Gecko/20071127 Firefox/2.0.0.11"
	DefaultAcceptLanguage = "ko-KR"
	DefaultTimeout        = 15 * time.Second

	maxBodyBytes = 8 << 20
)

// ErrUnexpectedFormat is returned when a page lacks the expected markup.
var ErrUnexpectedFormat = errors.New("unexpected page format")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Options configures the HTTP side of a source.
type Options struct {
	BaseURL        string
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration

	// Client overrides the default client; Timeout is ignored then.
	Client *http.Client
	Logger *slog.Logger
}

type fetcher struct {
	base           string
	userAgent      string
	acceptLanguage string
	client         *http.Client
	logger         *slog.Logger
}

func newFetcher(opts Options) *fetcher {
	f := &fetcher{
		base:           strings.TrimRight(opts.BaseURL, "/"),
		userAgent:      opts.UserAgent,
		acceptLanguage: opts.AcceptLanguage,
		client:         opts.Client,
		logger:         opts.Logger,
	}
	if f.userAgent == "" {
		f.userAgent = DefaultUserAgent
	}
	if f.acceptLanguage == "" {
		f.acceptLanguage = DefaultAcceptLanguage
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.client == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		f.client = &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		}
	}
	return f
}

// pageURL joins the base URL with an article name, escaping each path
// segment so subpages keep their slashes.
func (f *fetcher) pageURL(article string, query url.Values) string {
	segments := strings.Split(article, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := f.base + "/" + strings.Join(segments, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// get fetches rawURL with browser-like headers and returns the body.
func (f *fetcher) get(ctx context.Context, rawURL, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", f.acceptLanguage)
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Encoding", "deflate")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	f.logger.Debug("fetched page", "url", rawURL, "bytes", len(body), "elapsed", time.Since(start))
	return body, nil
}

package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/rcwatch/internal/engine"
	"github.com/TobiSchelling/rcwatch/internal/feed"
	"github.com/TobiSchelling/rcwatch/internal/prefix"
	"github.com/TobiSchelling/rcwatch/internal/pubsub"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

const (
	DefaultPollMaxLimit = 100
	DefaultPrefixLimit  = 10

	// allArticles is the article parameter value meaning no filter.
	allArticles = "__all__"
	topCount    = 10
)

var errBadParam = errors.New("bad parameter")

// Querier answers range and prefix queries.
type Querier interface {
	Query(ctx context.Context, r feed.Range) ([]feed.ChangeEvent, error)
	QueryPrefix(ctx context.Context, p string, limit int) ([]string, error)
}

// Options tunes a Server. Zero values pick the defaults.
type Options struct {
	PollMaxLimit int
	PrefixLimit  int
	Clock        func() float64
	Logger       *slog.Logger
}

// Server is the HTTP front of the change feed.
type Server struct {
	q      Querier
	hub    *pubsub.Hub
	opts   Options
	pages  map[string]*template.Template
	router *chi.Mux
	logger *slog.Logger
}

// New creates a new Server. hub may be nil, which disables streaming.
func New(q Querier, hub *pubsub.Hub, opts Options) (*Server, error) {
	if opts.PollMaxLimit <= 0 {
		opts.PollMaxLimit = DefaultPollMaxLimit
	}
	if opts.PrefixLimit <= 0 {
		opts.PrefixLimit = DefaultPrefixLimit
	}
	if opts.Clock == nil {
		opts.Clock = feed.Epoch
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of the base so their "content" blocks
	// do not collide.
	pageNames := []string{"top.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		q:      q,
		hub:    hub,
		opts:   opts,
		pages:  pages,
		router: chi.NewRouter(),
		logger: opts.Logger,
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	staticSub, _ := fs.Sub(staticFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/debug/top", s.handleTop)

	r.Route("/rest", func(r chi.Router) {
		r.Get("/epoch", s.handleEpoch)
		r.Get("/keywords", s.handleKeywords)
		r.Route("/recentchanges", func(r chi.Router) {
			r.Get("/poll_new", s.handlePollNew)
			r.Get("/poll_old", s.handlePollOld)
			r.Get("/stream", s.handleStream)
		})
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleEpoch(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, strconv.FormatFloat(s.opts.Clock(), 'f', -1, 64))
}

// handlePollNew serves events strictly after from, oldest first.
func (s *Server) handlePollNew(w http.ResponseWriter, r *http.Request) {
	from, err := s.epochParam(r, "from")
	if err != nil {
		s.writeError(w, err)
		return
	}
	rng, err := s.pollRange(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rng.From = &from
	rng.ExclusiveFrom = true
	s.serveRange(w, r, rng)
}

// handlePollOld serves events strictly before until, newest first.
func (s *Server) handlePollOld(w http.ResponseWriter, r *http.Request) {
	until, err := s.epochParam(r, "until")
	if err != nil {
		s.writeError(w, err)
		return
	}
	rng, err := s.pollRange(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rng.Until = &until
	rng.ExclusiveUntil = true
	rng.Desc = true
	s.serveRange(w, r, rng)
}

func (s *Server) serveRange(w http.ResponseWriter, r *http.Request, rng feed.Range) {
	events, err := s.q.Query(r.Context(), rng)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []feed.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": events})
}

func (s *Server) handleKeywords(w http.ResponseWriter, r *http.Request) {
	entries, err := s.q.QueryPrefix(r.Context(), r.URL.Query().Get("prefix"), s.opts.PrefixLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": entries})
}

// handleStream pushes every published message as a Server-Sent Event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "streaming disabled"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sub, err := s.hub.Subscribe(articleParam(r))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("encoding stream message", "article", msg.Article, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: recentchanges\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleTop renders the ten most recent changes.
func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	now := s.opts.Clock()
	events, err := s.q.Query(r.Context(), feed.Range{
		Limit:          topCount,
		Until:          &now,
		ExclusiveUntil: true,
		Desc:           true,
	})
	if err != nil {
		s.logger.Error("querying top changes", "error", err)
		http.Error(w, "Internal server error", statusFor(err))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Top %d\n\n", topCount)
	for _, e := range events {
		fmt.Fprintf(&b, "- **%s** %s by %s\n", escapeMarkdown(e.Article), e.Action, escapeMarkdown(e.Author))
	}
	s.render(w, "top.html", map[string]any{
		"Markdown": b.String(),
		"Count":    len(events),
	})
}

func (s *Server) epochParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	switch raw {
	case "":
		return 0, fmt.Errorf("%w: %s is required", errBadParam, name)
	case "now":
		return s.opts.Clock(), nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an epoch", errBadParam, name, raw)
	}
	return v, nil
}

// pollRange reads the article and limit parameters. The limit defaults
// to and is capped at PollMaxLimit.
func (s *Server) pollRange(r *http.Request) (feed.Range, error) {
	rng := feed.Range{Article: articleParam(r), Limit: s.opts.PollMaxLimit}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return rng, fmt.Errorf("%w: limit=%q is not an integer", errBadParam, raw)
		}
		rng.Limit = min(n, s.opts.PollMaxLimit)
	}
	return rng, nil
}

func articleParam(r *http.Request) string {
	article := r.URL.Query().Get("article")
	if article == allArticles {
		return ""
	}
	return article
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadParam),
		errors.Is(err, engine.ErrInvalidRange),
		errors.Is(err, prefix.ErrEmptyPrefix):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStoreUnavailable),
		errors.Is(err, engine.ErrCacheUnavailable),
		errors.Is(err, engine.ErrContention):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", "template", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		s.logger.Error("rendering template", "template", name, "error", err)
	}
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, `*`, `\*`, `_`, `\_`, "`", "\\`", `[`, `\[`, `]`, `\]`, `<`, `&lt;`, `#`, `\#`,
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done. Shutdown closes the hub,
// which ends every open stream, so it does not wait for stream clients
// to hang up.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.hub != nil {
		httpServer.RegisterOnShutdown(s.hub.Close)
	}

	addr := ln.Addr().String()
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", "http://"+addr)
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

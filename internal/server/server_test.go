package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/goleak"

	"github.com/TobiSchelling/rcwatch/internal/cache"
	"github.com/TobiSchelling/rcwatch/internal/database"
	"github.com/TobiSchelling/rcwatch/internal/engine"
	"github.com/TobiSchelling/rcwatch/internal/feed"
	"github.com/TobiSchelling/rcwatch/internal/kv"
	"github.com/TobiSchelling/rcwatch/internal/prefix"
	"github.com/TobiSchelling/rcwatch/internal/pubsub"
)

type fakeQuerier struct {
	last     feed.Range
	events   []feed.ChangeEvent
	prefixes []string
	err      error
}

func (f *fakeQuerier) Query(_ context.Context, r feed.Range) ([]feed.ChangeEvent, error) {
	f.last = r
	if f.err != nil {
		return nil, f.err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return f.events, nil
}

func (f *fakeQuerier) QueryPrefix(_ context.Context, p string, limit int) ([]string, error) {
	if p == "" {
		return nil, prefix.ErrEmptyPrefix
	}
	return f.prefixes, nil
}

func newTestServer(t *testing.T, q Querier, hub *pubsub.Hub) *Server {
	t.Helper()
	srv, err := New(q, hub, Options{PollMaxLimit: 50, Clock: func() float64 { return 1000 }})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func get(t *testing.T, srv *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestEpochRoute(t *testing.T) {
	srv := newTestServer(t, &fakeQuerier{}, nil)
	rec := get(t, srv, "/rest/epoch")
	if rec.Code != http.StatusOK || rec.Body.String() != "1000" {
		t.Errorf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestHealthRoute(t *testing.T) {
	srv := newTestServer(t, &fakeQuerier{}, nil)
	rec := get(t, srv, "/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestPollNewParameters(t *testing.T) {
	q := &fakeQuerier{events: []feed.ChangeEvent{{Article: "Cat", Action: feed.ActionModify, IngestedAt: 5}}}
	srv := newTestServer(t, q, nil)

	rec := get(t, srv, "/rest/recentchanges/poll_new?from=4.5&article=Cat&limit=500")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if q.last.From == nil || *q.last.From != 4.5 || !q.last.ExclusiveFrom || q.last.Desc {
		t.Errorf("unexpected range %+v", q.last)
	}
	if q.last.Article != "Cat" || q.last.Limit != 50 {
		t.Errorf("expected article Cat and clamped limit, got %+v", q.last)
	}

	var body struct {
		Result []feed.ChangeEvent `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(body.Result) != 1 || body.Result[0].Article != "Cat" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestPollNewNowAndAll(t *testing.T) {
	q := &fakeQuerier{}
	srv := newTestServer(t, q, nil)

	rec := get(t, srv, "/rest/recentchanges/poll_new?from=now&article=__all__")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if *q.last.From != 1000 || q.last.Article != "" || q.last.Limit != 50 {
		t.Errorf("unexpected range %+v", q.last)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"result":[]}` {
		t.Errorf("expected an empty list, got %s", rec.Body.String())
	}
}

func TestPollOldParameters(t *testing.T) {
	q := &fakeQuerier{}
	srv := newTestServer(t, q, nil)

	rec := get(t, srv, "/rest/recentchanges/poll_old?until=now&limit=3")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if q.last.Until == nil || *q.last.Until != 1000 || !q.last.ExclusiveUntil || !q.last.Desc || q.last.Limit != 3 {
		t.Errorf("unexpected range %+v", q.last)
	}
}

func TestBadRequests(t *testing.T) {
	srv := newTestServer(t, &fakeQuerier{}, nil)

	for _, target := range []string{
		"/rest/recentchanges/poll_new",
		"/rest/recentchanges/poll_new?from=yesterday",
		"/rest/recentchanges/poll_new?from=1&limit=ten",
		"/rest/recentchanges/poll_new?from=1&limit=0",
		"/rest/recentchanges/poll_old?until=",
		"/rest/keywords",
	} {
		rec := get(t, srv, target)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"error"`) {
			t.Errorf("%s: expected an error body, got %s", target, rec.Body.String())
		}
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("query: %w", engine.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("query: %w", engine.ErrCacheUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("query: %w", engine.ErrContention), http.StatusServiceUnavailable},
		{errors.New("something else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		srv := newTestServer(t, &fakeQuerier{err: tt.err}, nil)
		rec := get(t, srv, "/rest/recentchanges/poll_old?until=now")
		if rec.Code != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, rec.Code)
		}
	}
}

func TestKeywordsRoute(t *testing.T) {
	srv := newTestServer(t, &fakeQuerier{prefixes: []string{"Ca", "Car", "Cat"}}, nil)
	rec := get(t, srv, "/rest/keywords?prefix=Ca")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"result":["Ca","Car","Cat"]}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestTopRoute(t *testing.T) {
	q := &fakeQuerier{events: []feed.ChangeEvent{
		{Article: "Cat_Food", Action: feed.ActionModify, Author: "alice"},
		{Article: "Dog", Action: feed.ActionDelete, Author: "bob"},
	}}
	srv := newTestServer(t, q, nil)

	rec := get(t, srv, "/debug/top")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<h1>Top 10</h1>") {
		t.Error("expected rendered markdown heading")
	}
	if !strings.Contains(body, "<strong>Cat_Food</strong>") || !strings.Contains(body, "delete by bob") {
		t.Errorf("expected both articles in %s", body)
	}
	if q.last.Limit != 10 || !q.last.Desc || !q.last.ExclusiveUntil || *q.last.Until != 1000 {
		t.Errorf("unexpected range %+v", q.last)
	}
}

func TestStreamUnavailableWithoutHub(t *testing.T) {
	srv := newTestServer(t, &fakeQuerier{}, nil)
	rec := get(t, srv, "/rest/recentchanges/stream")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestStream(t *testing.T) {
	hub := pubsub.New(4, nil)
	defer hub.Close()
	srv := newTestServer(t, &fakeQuerier{}, hub)
	ts := httptest.NewServer(srv.Handler())
	tr := &http.Transport{}
	client := &http.Client{Transport: tr}

	resp, err := client.Get(ts.URL + "/rest/recentchanges/stream?article=Cat")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); line != ": subscribed\n" {
		t.Fatalf("expected subscription comment, got %q", line)
	}

	ctx := context.Background()
	hub.Publish(ctx, "Dog", []feed.ChangeEvent{{Article: "Dog", IngestedAt: 1}})
	hub.Publish(ctx, "Cat", []feed.ChangeEvent{{Article: "Cat", IngestedAt: 2}})

	data := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(data)
				return
			}
			if strings.HasPrefix(line, "data: ") {
				data <- strings.TrimPrefix(strings.TrimSpace(line), "data: ")
				return
			}
		}
	}()

	select {
	case payload := <-data:
		var msg pubsub.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			t.Fatalf("invalid payload %q: %v", payload, err)
		}
		if msg.Article != "Cat" || len(msg.Events) != 1 {
			t.Errorf("expected only the Cat message, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream data")
	}

	resp.Body.Close()
	ts.Close()
	tr.CloseIdleConnections()
	goleak.VerifyNone(t)
}

func TestShutdownEndsOpenStreams(t *testing.T) {
	hub := pubsub.New(4, nil)
	srv := newTestServer(t, &fakeQuerier{}, hub)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.ServeListener(ctx, ln) }()

	tr := &http.Transport{}
	defer tr.CloseIdleConnections()
	resp, err := (&http.Client{Transport: tr}).Get("http://" + ln.Addr().String() + "/rest/recentchanges/stream")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if line, _ := bufio.NewReader(resp.Body).ReadString('\n'); line != ": subscribed\n" {
		t.Fatalf("expected subscription comment, got %q", line)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown waited on the open stream")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("shutdown took %v", elapsed)
	}
	if _, err := hub.Subscribe("Cat"); !errors.Is(err, pubsub.ErrClosed) {
		t.Errorf("expected the hub to be closed, got %v", err)
	}
}

// TestEngineRoundTrip serves real ingested events through the engine.
func TestEngineRoundTrip(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	store, err := kv.Open(ctx, kv.Options{Addr: miniredis.RunT(t).Addr()})
	if err != nil {
		t.Fatalf("failed to open keyspace: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	e := engine.New(db, cache.New(store, 2), prefix.New(store), nil)

	var events []feed.ChangeEvent
	for i, article := range []string{"Cat", "Car", "Dog", "Cat"} {
		events = append(events, feed.ChangeEvent{Article: article, Action: feed.ActionModify, IngestedAt: float64(i + 1)})
	}
	if err := e.Ingest(ctx, events); err != nil {
		t.Fatal(err)
	}

	srv := newTestServer(t, e, nil)

	rec := get(t, srv, "/rest/recentchanges/poll_old?until=now&article=Cat")
	var body struct {
		Result []feed.ChangeEvent `json:"result"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Result) != 2 || body.Result[0].IngestedAt != 4 || body.Result[1].IngestedAt != 1 {
		t.Errorf("expected both Cat events newest first, got %s", rec.Body.String())
	}

	rec = get(t, srv, "/rest/recentchanges/poll_new?from=1")
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Result) != 3 || body.Result[0].IngestedAt != 2 {
		t.Errorf("expected events after 1 oldest first, got %s", rec.Body.String())
	}

	rec = get(t, srv, "/rest/keywords?prefix=Ca")
	if strings.TrimSpace(rec.Body.String()) != `{"result":["Ca","Car","Cat"]}` {
		t.Errorf("unexpected keywords %s", rec.Body.String())
	}
}

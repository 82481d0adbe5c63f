// Package pubsub fans freshly ingested change events out to in-process
// subscribers.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/TobiSchelling/rcwatch/internal/feed"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 16

var (
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("hub closed")
	// ErrDropped reports a message that did not fit a subscriber queue.
	ErrDropped = errors.New("message dropped")
)

// Message is one publish: the events of a single article.
type Message struct {
	Article string             `json:"article"`
	Events  []feed.ChangeEvent `json:"events"`
}

// Hub is the asynchronous fan-out point.
type Hub struct {
	mu     sync.RWMutex
	nextID int64
	closed bool
	subs   map[int64]*Subscription
	buffer int
	logger *slog.Logger
}

// New creates a hub whose subscriptions queue up to buffer messages.
func New(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[int64]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscription receives the messages of one article, or of every article
// when its article is empty.
type Subscription struct {
	id      int64
	article string
	ch      chan Message
	hub     *Hub
	once    sync.Once
}

// C returns the delivery channel. It is closed when the subscription or
// the hub is closed.
func (s *Subscription) C() <-chan Message { return s.ch }

// Article returns the subscribed article, empty for all.
func (s *Subscription) Article() string { return s.article }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Subscription) matches(article string) bool {
	return s.article == "" || s.article == article
}

// Subscribe registers a new subscription for article.
func (h *Hub) Subscribe(article string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("subscribe %q: %w", article, ErrClosed)
	}
	h.nextID++
	sub := &Subscription{
		id:      h.nextID,
		article: article,
		ch:      make(chan Message, h.buffer),
		hub:     h,
	}
	h.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers events to every matching subscriber without blocking.
// A subscriber whose queue is full misses the message; that is logged,
// not returned.
func (h *Hub) Publish(ctx context.Context, article string, events []feed.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish %q: %w", article, err)
	}
	if len(events) == 0 {
		return nil
	}
	msg := Message{Article: article, Events: events}

	// Sends happen under the read lock so a concurrent Close never
	// closes a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return fmt.Errorf("publish %q: %w", article, ErrClosed)
	}
	for _, sub := range h.subs {
		if !sub.matches(article) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.logger.Warn("subscriber queue full", "subscription", sub.id,
				"article", article, "error", ErrDropped)
		}
	}
	return nil
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription and rejects later calls.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[int64]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}

package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/TobiSchelling/rcwatch/internal/feed"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func events(article string, n int) []feed.ChangeEvent {
	out := make([]feed.ChangeEvent, n)
	for i := range out {
		out[i] = feed.ChangeEvent{Article: article, Action: feed.ActionModify, IngestedAt: float64(i + 1)}
	}
	return out
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestPublishDeliversMatching(t *testing.T) {
	t.Parallel()

	hub := New(4, nil)
	t.Cleanup(hub.Close)

	all, _ := hub.Subscribe("")
	cats, _ := hub.Subscribe("Cat")
	dogs, _ := hub.Subscribe("Dog")

	if err := hub.Publish(context.Background(), "Cat", events("Cat", 2)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	for _, sub := range []*Subscription{all, cats} {
		msg := receive(t, sub)
		if msg.Article != "Cat" || len(msg.Events) != 2 {
			t.Errorf("unexpected message %+v", msg)
		}
	}
	select {
	case msg := <-dogs.C():
		t.Errorf("dog subscriber got %+v", msg)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	hub := New(1, nil)
	t.Cleanup(hub.Close)
	sub, _ := hub.Subscribe("")

	ctx := context.Background()
	hub.Publish(ctx, "First", events("First", 1))
	if err := hub.Publish(ctx, "Second", events("Second", 1)); err != nil {
		t.Fatalf("full queue must not fail publish: %v", err)
	}

	if msg := receive(t, sub); msg.Article != "First" {
		t.Errorf("expected the queued message to survive, got %q", msg.Article)
	}
	select {
	case msg := <-sub.C():
		t.Errorf("expected the newest message to be dropped, got %q", msg.Article)
	default:
	}
}

func TestPublishEmptyIsNoop(t *testing.T) {
	t.Parallel()

	hub := New(1, nil)
	t.Cleanup(hub.Close)
	sub, _ := hub.Subscribe("")

	hub.Publish(context.Background(), "Cat", nil)
	select {
	case msg := <-sub.C():
		t.Errorf("unexpected message %+v", msg)
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	t.Parallel()

	hub := New(1, nil)
	t.Cleanup(hub.Close)
	sub, _ := hub.Subscribe("Cat")
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel")
	}
	if hub.Len() != 0 {
		t.Errorf("expected no subscriptions, got %d", hub.Len())
	}
	if err := hub.Publish(context.Background(), "Cat", events("Cat", 1)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHubClose(t *testing.T) {
	t.Parallel()

	hub := New(1, nil)
	sub, _ := hub.Subscribe("")
	hub.Close()
	hub.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel")
	}
	sub.Close()

	if err := hub.Publish(context.Background(), "Cat", events("Cat", 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := hub.Subscribe(""); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestPublishCanceled(t *testing.T) {
	t.Parallel()

	hub := New(1, nil)
	t.Cleanup(hub.Close)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := hub.Publish(ctx, "Cat", events("Cat", 1)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentPublishAndClose(t *testing.T) {
	t.Parallel()

	hub := New(8, nil)
	t.Cleanup(hub.Close)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish(context.Background(), "Cat", events("Cat", 1))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub, err := hub.Subscribe("Cat")
				if err != nil {
					return
				}
				sub.Close()
			}
		}()
	}
	wg.Wait()
}

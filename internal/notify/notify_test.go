package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/gpulockd/internal/leasestore/memory"
)

func TestQueueDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	q := NewQueue(SinkFunc(func(_ context.Context, username, message string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, username+":"+message)
		return nil
	}), 8, nil)
	q.Notify("alice", "one")
	q.Notify("bob", "two")
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "alice:one" || got[1] != "bob:two" {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	q := NewQueue(SinkFunc(func(context.Context, string, string) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}), 1, nil)
	q.Notify("alice", "blocks the worker")
	<-started
	q.Notify("alice", "fills the buffer")

	done := make(chan struct{})
	go func() {
		q.Notify("alice", "dropped")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected one dropped message, got %d", q.Dropped())
	}
	close(release)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	q.Notify("alice", "after close")
}

func TestInboxSinkStoresNotification(t *testing.T) {
	store := memory.New()
	if err := (InboxSink{Store: store}).Deliver(context.Background(), "alice", "lease released"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got, err := store.ListNotifications(context.Background(), "alice", true)
	if err != nil || len(got) != 1 || got[0].Message != "lease released" {
		t.Fatalf("unexpected inbox %v (%v)", got, err)
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var delivered bool
	sink := MultiSink{
		SinkFunc(func(context.Context, string, string) error { return boom }),
		SinkFunc(func(context.Context, string, string) error { delivered = true; return nil }),
	}
	if err := sink.Deliver(context.Background(), "alice", "x"); !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if !delivered {
		t.Fatal("later sinks must still receive the message")
	}
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/halverson/courier/pkg/storage"
)

func newSQLiteBroker(t *testing.T) *SQLiteBroker {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewSQLiteBroker(store, time.Minute, 10*time.Millisecond)
}

func TestSQLiteBrokerRoundTrip(t *testing.T) {
	b := newSQLiteBroker(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, "send", []byte(`{"job_id":"j-1"}`), Options{Priority: 2})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	entry, err := b.Dequeue(ctx, "send")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if entry.ID != id {
		t.Errorf("Expected %s, got %s", id, entry.ID)
	}
	if string(entry.Payload) != `{"job_id":"j-1"}` {
		t.Errorf("Payload mangled: %s", entry.Payload)
	}
	if entry.Attempts != 1 {
		t.Errorf("Expected attempt 1, got %d", entry.Attempts)
	}

	if err := b.Ack(ctx, entry.ID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	depth, _ := b.Depth(ctx, "send")
	if depth != 0 {
		t.Errorf("Expected empty queue, depth %d", depth)
	}
}

func TestSQLiteBrokerDequeueWaitsForDelayed(t *testing.T) {
	b := newSQLiteBroker(t)
	ctx := context.Background()

	start := time.Now()
	if _, err := b.Enqueue(ctx, "send", []byte("x"), Options{Delay: 60 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	entry, err := b.Dequeue(ctx, "send")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if entry == nil {
		t.Fatal("Expected entry once delay elapsed")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Delayed entry delivered too early: %s", elapsed)
	}
}

func TestSQLiteBrokerNackRedelivers(t *testing.T) {
	b := newSQLiteBroker(t)
	ctx := context.Background()

	b.Enqueue(ctx, "send", []byte("x"), Options{})
	entry, _ := b.Dequeue(ctx, "send")

	if err := b.Nack(ctx, entry.ID, 0); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	again, err := b.Dequeue(ctx, "send")
	if err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if again.Attempts != 2 {
		t.Errorf("Expected attempt 2, got %d", again.Attempts)
	}
}

func TestSQLiteBrokerContextCancellation(t *testing.T) {
	b := newSQLiteBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := b.Dequeue(ctx, "send")
	if err != context.DeadlineExceeded {
		t.Errorf("Expected deadline error, got %v", err)
	}
}

package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestQueue(t *testing.T, maxAttempts int) *BlobCleanupQueue {
	t.Helper()
	redis := miniredis.RunT(t)
	q, err := New(Config{
		Addr:        redis.Addr(),
		Stream:      "test:cleanup",
		Consumer:    "test-consumer",
		Block:       10 * time.Millisecond,
		MaxAttempts: maxAttempts,
		Workers:     2,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestCleanupQueueDeliversKeys(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, "ai-images/user_u1/2026/08/29/a.png"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "ai-images/user_u1/2026/08/29/b.png"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	removed := make(chan string, 2)
	go func() {
		_ = q.Run(ctx, func(_ context.Context, key string) error {
			removed <- key
			return nil
		})
	}()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case key := <-removed:
			seen[key] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for cleanup, saw %v", seen)
		}
	}
	if !seen["ai-images/user_u1/2026/08/29/a.png"] || !seen["ai-images/user_u1/2026/08/29/b.png"] {
		t.Fatalf("unexpected keys delivered: %v", seen)
	}
}

func TestCleanupQueueRetriesThenDrops(t *testing.T) {
	q := newTestQueue(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, "ai-images/user_u1/2026/08/29/stuck.png"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var attempts atomic.Int32
	go func() {
		_ = q.Run(ctx, func(_ context.Context, _ string) error {
			attempts.Add(1)
			return errors.New("object store down")
		})
	}()

	deadline := time.After(5 * time.Second)
	for attempts.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 attempts, got %d", attempts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Attempt cap reached; the key must not come around again.
	time.Sleep(100 * time.Millisecond)
	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestCleanupQueueRejectsEmptyKey(t *testing.T) {
	q := newTestQueue(t, 3)
	if err := q.Enqueue(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestNewRequiresAddr(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing redis addr")
	}
}

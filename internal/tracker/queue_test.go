package tracker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQueueOfferValidation(t *testing.T) {
	q := NewTokenQueue(func(ctx context.Context, mint string) error { return nil })

	if q.Offer("not-base58-!!") {
		t.Fatal("invalid base58 should be rejected")
	}
	if q.Offer("abc") {
		t.Fatal("short addresses should be rejected")
	}
	if !q.Offer(testAddr(0x01)) {
		t.Fatal("valid mint should be accepted")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}

func TestQueueDedupAndOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	gate := make(chan struct{})

	q := NewTokenQueue(func(ctx context.Context, mint string) error {
		mu.Lock()
		seen = append(seen, mint)
		mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	})

	m1, m2, m3 := testAddr(0x0a), testAddr(0x0b), testAddr(0x0c)

	q.Offer(m1)
	if q.Offer(m1) {
		t.Fatal("queued mint should be dropped")
	}
	q.Offer(m2)
	q.Offer(m3)
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	q.Start(context.Background())
	defer q.Stop()

	// The worker now holds m1 in flight; re-offering it is a no-op.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
	if q.Offer(m1) {
		t.Fatal("in-flight mint should be dropped")
	}

	close(gate)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})

	mu.Lock()
	got := append([]string(nil), seen...)
	mu.Unlock()
	want := []string{m1, m2, m3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain order %v, want %v", got, want)
		}
	}

	// Completion clears the pending mark.
	if !q.Offer(m1) {
		t.Fatal("completed mint should be accepted again")
	}
}

func TestQueueStopIdempotent(t *testing.T) {
	started := make(chan struct{})
	q := NewTokenQueue(func(ctx context.Context, mint string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	q.Start(context.Background())
	q.Offer(testAddr(0x0d))
	<-started

	done := make(chan struct{})
	go func() {
		q.Stop()
		q.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestQueueStopBeforeStart(t *testing.T) {
	q := NewTokenQueue(func(ctx context.Context, mint string) error { return nil })
	q.Stop() // must not block or panic
}

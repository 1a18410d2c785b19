package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"replybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func msgFrom(author, content string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:        content,
		ChannelID: "chan-1",
		AuthorID:  author,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestEnqueue_RejectsWhenFull(t *testing.T) {
	q := NewRequestQueue(4, testLogger())

	for i := 0; i < 4; i++ {
		if !q.Enqueue(msgFrom(fmt.Sprintf("user-%d", i), fmt.Sprintf("msg-%d", i))) {
			t.Fatalf("enqueue %d should succeed", i)
		}
	}
	if q.Enqueue(msgFrom("user-5", "msg-5")) {
		t.Fatal("fifth enqueue should be rejected")
	}
	if q.Size() != 4 {
		t.Fatalf("rejection must not mutate the queue, size = %d", q.Size())
	}
}

func TestEnqueue_NeverExceedsCapacity(t *testing.T) {
	q := NewRequestQueue(3, testLogger())
	for i := 0; i < 20; i++ {
		q.Enqueue(msgFrom("u", fmt.Sprintf("m%d", i)))
		if q.Size() > 3 {
			t.Fatalf("queue size %d exceeds capacity", q.Size())
		}
	}
}

func TestDrain_ProcessesInArrivalOrder(t *testing.T) {
	q := NewRequestQueue(4, testLogger())
	for i := 0; i < 4; i++ {
		q.Enqueue(msgFrom(fmt.Sprintf("user-%d", i), fmt.Sprintf("msg-%d", i)))
	}

	var got []string
	q.Drain(context.Background(), func(_ context.Context, m domain.InboundMessage) {
		got = append(got, m.Content)
	})

	want := []string{"msg-0", "msg-1", "msg-2", "msg-3"}
	if len(got) != len(want) {
		t.Fatalf("processed %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("item %d = %q, want %q", i, got[i], want[i])
		}
	}
	if q.Size() != 0 {
		t.Fatalf("queue should be empty after drain, size = %d", q.Size())
	}
}

func TestDrain_EmptyQueueIsNoOp(t *testing.T) {
	q := NewRequestQueue(4, testLogger())
	called := false
	q.Drain(context.Background(), func(context.Context, domain.InboundMessage) {
		called = true
	})
	if called {
		t.Fatal("worker must not run for an empty queue")
	}
}

func TestDrain_LatchPreventsReentrance(t *testing.T) {
	q := NewRequestQueue(4, testLogger())
	q.Enqueue(msgFrom("u", "m1"))

	inWorker := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Drain(context.Background(), func(context.Context, domain.InboundMessage) {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			close(inWorker)
			<-release
			mu.Lock()
			active--
			mu.Unlock()
		})
	}()

	<-inWorker
	// A second drain while the first is mid-worker must return immediately.
	q.Enqueue(msgFrom("u", "m2"))
	q.Drain(context.Background(), func(context.Context, domain.InboundMessage) {
		t.Error("re-entrant drain must not run the worker")
	})
	if !q.Processing() {
		t.Fatal("latch should be held while the worker runs")
	}
	close(release)
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("at most one worker may be active, saw %d", maxActive)
	}
}

func TestDrain_LatchReleasedAfterWorkerPanicRecovery(t *testing.T) {
	q := NewRequestQueue(4, testLogger())
	q.Enqueue(msgFrom("u", "boom"))

	func() {
		defer func() { recover() }()
		q.Drain(context.Background(), func(context.Context, domain.InboundMessage) {
			panic("worker failure")
		})
	}()

	if q.Processing() {
		t.Fatal("latch must be released even when the worker panics")
	}
	// The queue must still be usable.
	q.Enqueue(msgFrom("u", "after"))
	var got []string
	q.Drain(context.Background(), func(_ context.Context, m domain.InboundMessage) {
		got = append(got, m.Content)
	})
	if len(got) != 1 || got[0] != "after" {
		t.Fatalf("queue wedged after panic: %v", got)
	}
}

func TestDrain_StopsOnContextCancel(t *testing.T) {
	q := NewRequestQueue(4, testLogger())
	q.Enqueue(msgFrom("u", "m1"))
	q.Enqueue(msgFrom("u", "m2"))

	ctx, cancel := context.WithCancel(context.Background())
	processed := 0
	q.Drain(ctx, func(context.Context, domain.InboundMessage) {
		processed++
		cancel()
	})
	if processed != 1 {
		t.Fatalf("expected drain to stop after cancel, processed %d", processed)
	}
}

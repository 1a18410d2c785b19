package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"replybot/internal/domain"
)

const defaultQueueCapacity = 4

// RequestQueue is a bounded FIFO of inbound messages with a single consumer.
// When the queue is full the newest insertion is rejected (the caller tells
// the user the bot is busy); queued items are never silently dropped.
type RequestQueue struct {
	mu         sync.Mutex
	items      []domain.InboundMessage
	capacity   int
	processing bool
	logger     *slog.Logger
}

// NewRequestQueue creates a queue with the given capacity (default 4).
func NewRequestQueue(capacity int, logger *slog.Logger) *RequestQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &RequestQueue{
		capacity: capacity,
		logger:   logger,
	}
}

// Enqueue appends msg in arrival order. It returns false and leaves the
// queue unchanged when the queue is full; the caller must notify the user.
func (q *RequestQueue) Enqueue(msg domain.InboundMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.logger.Warn("queue full, rejecting message",
			"channel", msg.ChannelID,
			"author", msg.AuthorID,
			"capacity", q.capacity,
		)
		return false
	}
	q.items = append(q.items, msg)
	return true
}

// Size returns the number of queued items.
func (q *RequestQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the maximum number of queued items.
func (q *RequestQueue) Capacity() int { return q.capacity }

// Processing reports whether a drain is currently running.
func (q *RequestQueue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Drain processes queued items strictly in arrival order, one at a time,
// waiting for each worker call to finish before dequeuing the next. A
// processing latch makes overlapping calls no-ops, so a message arriving
// mid-processing is only enqueued, never handled concurrently. The latch is
// released in a defer: a worker error or panic cannot wedge the queue.
// Draining an empty queue is a no-op.
func (q *RequestQueue) Drain(ctx context.Context, worker func(context.Context, domain.InboundMessage)) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		msg := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		worker(ctx, msg)
	}
}

// Package batch implements the Batch Queue (C5): a single-consumer
// queue that coalesces background tasks into size/time-bounded
// batches for non-critical work (cache refresh, stats flush, vector
// repair tasks). Never on the synchronous write path.
//
// Grounded on original_source/global/src/global_mcp/
// concurrent_memory_manager.py's _batch_processor loop and
// internal/retention/janitor.go's ticker-driven consumer shape.
package batch

import (
	"context"
	"time"
)

// Handler processes one coalesced batch of items.
type Handler func(items []any)

// Queue is a bounded, backpressured producer/consumer queue.
type Queue struct {
	items   chan any
	handler Handler
	size    int
	timeout time.Duration
}

// New creates a queue with the given backpressure bound, batch size,
// and batch timeout.
func New(bound, batchSize int, batchTimeout time.Duration, handler Handler) *Queue {
	return &Queue{
		items:   make(chan any, bound),
		handler: handler,
		size:    batchSize,
		timeout: batchTimeout,
	}
}

// Enqueue adds an item, blocking (backpressure) if the queue is full,
// unless ctx is cancelled first.
func (q *Queue) Enqueue(ctx context.Context, item any) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports the number of items currently buffered, for C11 sampling.
func (q *Queue) Depth() int {
	return len(q.items)
}

// Run drives the single-consumer loop described in spec §4.5:
// 1. Wait for the first item or shutdown.
// 2. Accumulate further items until batch_size is reached OR
//    batch_timeout has elapsed since the first item.
// 3. Dispatch the batch to its handler.
// Run blocks until ctx is cancelled, draining any partial batch first.
func (q *Queue) Run(ctx context.Context) {
	for {
		var item any
		select {
		case <-ctx.Done():
			return
		case item = <-q.items:
		}

		batch := make([]any, 0, q.size)
		batch = append(batch, item)

		timer := time.NewTimer(q.timeout)
	collect:
		for len(batch) < q.size {
			select {
			case next := <-q.items:
				batch = append(batch, next)
			case <-timer.C:
				break collect
			case <-ctx.Done():
				timer.Stop()
				q.handler(batch)
				return
			}
		}
		timer.Stop()
		q.handler(batch)
	}
}

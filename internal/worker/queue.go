// Package worker provides a bounded, non-blocking hand-off queue used to move
// I/O out of latency-sensitive paths such as the hub's critical section.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/logging"
)

// HandlerFunc processes one queued item. The context is cancelled when the
// queue stops or the drain deadline passes.
type HandlerFunc[T any] func(ctx context.Context, item T)

// Queue buffers items for a single consumer goroutine. Submit never blocks;
// when the buffer is full the item is dropped and counted.
type Queue[T any] struct {
	name         string
	items        chan T
	handle       HandlerFunc[T]
	log          *zap.Logger
	drainTimeout time.Duration
	dropped      atomic.Uint64
}

// New creates a queue with the given buffer size. A size below one is
// treated as one.
func New[T any](name string, size int, handle HandlerFunc[T], log *zap.Logger) *Queue[T] {
	if size < 1 {
		size = 1
	}
	log = logging.OrNop(log)
	return &Queue[T]{
		name:         name,
		items:        make(chan T, size),
		handle:       handle,
		log:          log.With(zap.String("queue", name)),
		drainTimeout: 5 * time.Second,
	}
}

// Submit enqueues item without blocking and reports whether it was accepted.
func (q *Queue[T]) Submit(item T) bool {
	select {
	case q.items <- item:
		return true
	default:
		n := q.dropped.Add(1)
		q.log.Warn("queue full; dropping item", zap.Uint64("dropped_total", n))
		return false
	}
}

// Dropped returns the number of items rejected by Submit.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Len returns the number of items waiting to be handled.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Run consumes items until ctx is cancelled, then handles whatever is still
// buffered, bounded by the drain timeout. Items are never handed a cancelled
// ctx; once it is done they are handled under the drain context instead.
func (q *Queue[T]) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return
		case item := <-q.items:
			if ctx.Err() != nil {
				q.drain(item)
				return
			}
			q.handle(ctx, item)
		}
	}
}

// drain handles pending, then everything left in the buffer.
func (q *Queue[T]) drain(pending ...T) {
	ctx, cancel := context.WithTimeout(context.Background(), q.drainTimeout)
	defer cancel()

	handled := 0
	for _, item := range pending {
		q.handle(ctx, item)
		handled++
	}
	for {
		select {
		case item := <-q.items:
			q.handle(ctx, item)
			handled++
		default:
			if handled > 0 {
				q.log.Debug("drained queue", zap.Int("items", handled))
			}
			return
		}
		if ctx.Err() != nil {
			q.log.Warn("drain deadline reached", zap.Int("remaining", len(q.items)))
			return
		}
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var ErrClosed = errors.New("work queue is closed")

// WorkQueue is an unbounded in-process FIFO of conversation ids.
// It is fed by ingress and by the startup reseed, and drained by a single worker.
type WorkQueue struct {
	mu     sync.Mutex
	items  []string
	closed bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewWorkQueue() *WorkQueue {
	return &WorkQueue{
		items:  make([]string, 0, 64),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *WorkQueue) Push(id string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, id)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new ids. Items already queued can still be popped.
func (q *WorkQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

// PopBatch waits for the first id, then keeps collecting until maxSize ids
// are available or maxWait has passed since that first id arrived. It
// returns an empty batch only when the queue is closed and drained or ctx
// is done.
func (q *WorkQueue) PopBatch(ctx context.Context, maxSize int, maxWait time.Duration) []string {
	if maxSize <= 0 {
		maxSize = 1
	}

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer stopTimer(timer)
	timerRunning := false
	expired := maxWait <= 0

	for {
		q.mu.Lock()
		available := len(q.items)
		closed := q.closed
		if available >= maxSize || (available > 0 && (expired || closed)) {
			batch := q.take(maxSize)
			q.mu.Unlock()
			return batch
		}
		q.mu.Unlock()

		if available == 0 && closed {
			return nil
		}
		if available > 0 && !timerRunning {
			resetTimer(timer, maxWait)
			timerRunning = true
		}

		var timerCh <-chan time.Time
		if timerRunning {
			timerCh = timer.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		case <-q.done:
		case <-timerCh:
			timerRunning = false
			expired = true
		}
	}
}

func (q *WorkQueue) take(maxSize int) []string {
	count := len(q.items)
	if count > maxSize {
		count = maxSize
	}
	batch := make([]string, count)
	copy(batch, q.items[:count])
	q.items = q.items[count:]
	if len(q.items) == 0 {
		q.items = make([]string, 0, 64)
	}
	return batch
}

// Reseed pushes every pending conversation back onto the queue in store order.
// It must run before ingress starts accepting traffic.
func Reseed(ctx context.Context, store PendingLister, queue Pusher, logger *log.Logger) (int, error) {
	ids, err := store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending conversations: %w", err)
	}
	for index, id := range ids {
		if err := queue.Push(id); err != nil {
			return index, fmt.Errorf("reseed %s: %w", id, err)
		}
	}
	if logger != nil && len(ids) > 0 {
		logger.Printf("queue reseeded pending=%d", len(ids))
	}
	return len(ids), nil
}

func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func resetTimer(timer *time.Timer, value time.Duration) {
	if timer == nil {
		return
	}
	stopTimer(timer)
	timer.Reset(value)
}

package queue

import (
	"context"
	"time"
)

// Pusher accepts conversation ids for asynchronous enrichment.
type Pusher interface {
	Push(id string) error
}

// BatchSource hands out batches of queued ids to the worker.
type BatchSource interface {
	PopBatch(ctx context.Context, maxSize int, maxWait time.Duration) []string
}

// PendingLister reports conversations that still need processing.
type PendingLister interface {
	ListPending(ctx context.Context) ([]string, error)
}

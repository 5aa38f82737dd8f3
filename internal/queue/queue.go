// Package queue defines the work queue between admission and the capture
// workers. Implementations live in subpackages.
package queue

import (
	"context"
	"errors"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

// ErrClosed is returned by Dequeue once the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue carries admitted jobs to workers.
type Queue interface {
	// Enqueue adds an item, blocking while the queue is full until ctx ends.
	Enqueue(ctx context.Context, item capture.QueueItem) error
	// Dequeue waits for the next item until ctx ends.
	Dequeue(ctx context.Context) (capture.QueueItem, error)
}

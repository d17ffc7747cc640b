// Package workqueue runs a bounded pool of workers over a buffered channel.
package workqueue

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler processes one queued item
type Handler[T any] func(ctx context.Context, item T) error

// Queue hands items to a fixed number of workers. Enqueue never blocks.
type Queue[T any] struct {
	name    string
	items   chan T
	workers int
	handle  Handler[T]
	wg      sync.WaitGroup
}

// New creates a queue holding up to size pending items
func New[T any](name string, size, workers int, handle Handler[T]) *Queue[T] {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Queue[T]{
		name:    name,
		items:   make(chan T, size),
		workers: workers,
		handle:  handle,
	}
}

// Enqueue adds an item and reports false when the queue is full
func (q *Queue[T]) Enqueue(item T) bool {
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Len returns the number of items waiting for a worker
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Start launches the workers; they exit when ctx is cancelled
func (q *Queue[T]) Start(ctx context.Context) {
	log.Printf("%s: starting %d workers", q.name, q.workers)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run(ctx)
	}
}

// Wait blocks until every worker has exited
func (q *Queue[T]) Wait() {
	q.wg.Wait()
}

func (q *Queue[T]) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.items:
			if err := q.handle(ctx, item); err != nil {
				log.Warnf("%s: %v", q.name, err)
			}
		}
	}
}

// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the FIFO buffer that sits between producers and the dispatcher's
// accumulation loop.
package queue

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Enqueue once Close has been called.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO queue with any number of producers and a single consumer. A Queue created with a
// positive capacity applies backpressure: Enqueue blocks while the queue is full.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool

	// space holds one permit per free slot; nil for an unbounded queue.
	space *semaphore.Weighted
	cap   int
	// ready has a buffer of one so that any number of pushes between two consumer wake-ups
	// coalesce into a single notification.
	ready chan struct{}
	// closing is canceled by Close to wake producers blocked waiting for space.
	closing context.Context
	close   context.CancelFunc
	// observe, if set, is called with the new length after every change, with mu held.
	observe func(n int)
}

// New returns an empty queue. A capacity of zero or less means the queue is unbounded.
func New[T any](capacity int) *Queue[T] {
	q := &Queue[T]{ready: make(chan struct{}, 1)}
	if capacity > 0 {
		q.cap = capacity
		q.space = semaphore.NewWeighted(int64(capacity))
	}
	q.closing, q.close = context.WithCancel(context.Background())
	return q
}

// Observe registers f to be called with the queue length after every push or pop. f is called
// with the queue's lock held, so it must be quick and must not call back into the queue. Observe
// must be called before the queue is shared.
func (q *Queue[T]) Observe(f func(n int)) {
	q.observe = f
}

func (q *Queue[T]) changed() {
	if q.observe != nil {
		q.observe(len(q.items) - q.head)
	}
}

// Enqueue appends v to the queue. On a bounded queue it blocks until there is room, ctx is done,
// or the queue is closed.
func (q *Queue[T]) Enqueue(ctx context.Context, v T) error {
	if q.space != nil {
		if err := q.acquire(ctx); err != nil {
			return err
		}
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.release(1)
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.changed()
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue[T]) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.closing.Err() != nil {
		return ErrClosed
	}
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(q.closing, cancel)
	defer stop()
	if err := q.space.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrClosed
	}
	return nil
}

func (q *Queue[T]) release(n int) {
	if q.space != nil && n > 0 {
		q.space.Release(int64(n))
	}
}

// TryDequeue removes and returns the oldest item. It never blocks; the boolean is false if the
// queue is empty. Only one goroutine may consume from a Queue.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	if q.head >= len(q.items) {
		q.mu.Unlock()
		var zero T
		return zero, false
	}
	v := q.items[q.head]
	var zero T
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		// Reuse the backing array once it has been fully consumed.
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	q.changed()
	q.mu.Unlock()
	q.release(1)
	return v, true
}

// Ready returns a channel that receives a value after one or more items have been enqueued. The
// consumer should call TryDequeue until it reports an empty queue after each receive.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Close makes all future calls to Enqueue fail with ErrClosed, including calls currently blocked
// waiting for room. Items already in the queue are kept for Drain or TryDequeue. Close is
// idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.close()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes and returns every item in the queue, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	out := make([]T, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	q.items = nil
	q.head = 0
	q.changed()
	q.mu.Unlock()
	q.release(len(out))
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Cap returns the capacity passed to New, or 0 for an unbounded queue.
func (q *Queue[T]) Cap() int {
	return q.cap
}

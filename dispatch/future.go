// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "context"

// A Future is the pending result of an item passed to [Dispatcher.Enqueue]. It is completed
// exactly once, by the goroutine that processed (or abandoned) the item's batch.
type Future[R any] struct {
	done chan struct{}
	r    R
	err  error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

// complete panics if called twice; that would mean an item was delivered to more than one batch.
func (f *Future[R]) complete(r R, err error) {
	f.r, f.err = r, err
	close(f.done)
}

// Done returns a channel that is closed once the result is available.
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx is done. If ctx is done first, the zero value
// and ctx's error are returned. Waiting with a canceled context does not withdraw the item; see
// [Dispatcher.Enqueue] for that.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.r, f.err
	case <-ctx.Done():
		// Prefer the result if both are ready.
		select {
		case <-f.done:
			return f.r, f.err
		default:
		}
		var zero R
		return zero, ctx.Err()
	}
}

// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/rhansen/go-dispatch/dispatch/internal/sel"
)

// State is the lifecycle state of a Dispatcher. States only move forward.
type State int32

const (
	// StateRunning accepts and dispatches items.
	StateRunning State = iota
	// StateCancelRequested means Shutdown was called; new items are refused.
	StateCancelRequested
	// StateDraining means pending items have been abandoned and in-flight batches are finishing.
	StateDraining
	// StateStopped means every batch has finished and every item has its result.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCancelRequested:
		return "cancel-requested"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// State returns the current lifecycle state.
func (d *Dispatcher[T, R]) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher[T, R]) setState(s State) {
	d.state.Store(int32(s))
	d.log.Info("dispatcher state changed", zap.Stringer("state", s))
}

// Done returns a channel that is closed once the Dispatcher has stopped: shutdown was requested
// (by [Dispatcher.Shutdown] or by canceling the context passed to [New]), every pending item has
// received its result or error, and every processing call has returned.
func (d *Dispatcher[T, R]) Done() <-chan struct{} {
	return d.done
}

// Shutdown stops the Dispatcher and waits until it is done or ctx is done, whichever is first.
//
// Shutting down has the following effects:
//   - Enqueue and Submit fail with ErrClosed from now on, including calls blocked on a full queue.
//   - The batch being filled and every queued item are abandoned: their futures receive an error
//     matching ErrCanceled and ErrShutdown. They are not passed to the processing function.
//   - The context passed to in-flight processing calls is canceled. Those calls are not
//     interrupted; the Dispatcher waits for them to return. If a call returns an error after
//     cancellation, its items receive an error matching ErrCanceled instead of a *BatchError.
//   - Channels registered with AddFrom are no longer read and their done channels are closed.
//
// Shutdown returns nil once the Dispatcher is done, or ctx's error if ctx is done first, in which
// case the Dispatcher keeps draining in the background. Shutdown may be called more than once and
// from several goroutines.
func (d *Dispatcher[T, R]) Shutdown(ctx context.Context) error {
	if d.state.CompareAndSwap(int32(StateRunning), int32(StateCancelRequested)) {
		d.log.Info("dispatcher state changed", zap.Stringer("state", StateCancelRequested))
	}
	d.queue.Close()
	d.stop(ErrShutdown)
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain runs on the loop goroutine once the stop signal fires.
func (d *Dispatcher[T, R]) drain(ss *sel.Set) {
	cause := context.Cause(d.stopCtx)
	d.state.CompareAndSwap(int32(StateRunning), int32(StateCancelRequested))
	d.setState(StateDraining)

	d.queue.Close()
	ss.Clear(caseQueue)
	ss.Clear(caseAddFrom)
	for i, done := range d.inputDones {
		if done != nil {
			ss.Clear(numStaticCases + sel.CaseID(i))
			close(done)
		}
	}
	d.inputDones = nil

	pending := d.acc.Take()
	queued := d.queue.Drain()
	pending = append(pending, queued...)
	d.abandon(pending, cause)
	d.log.Info("dispatcher draining",
		zap.Int("abandoned", len(pending)),
		zap.Int64("in_flight", d.stats.inFlight.Load()),
		zap.NamedError("cause", cause))

	d.batches.Wait()
	d.setState(StateStopped)
}

// abandon completes every item with a cancellation error.
func (d *Dispatcher[T, R]) abandon(items []*workItem[T, R], cause error) {
	if len(items) == 0 {
		return
	}
	err := &canceledError{cause: cause}
	for _, w := range items {
		if w.f != nil {
			w.f.complete(*new(R), err)
		}
	}
	d.stats.canceled.Add(int64(len(items)))
	d.opts.metrics.canceled(len(items))
}

// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch collects values into bounded batches and processes the batches concurrently,
// delivering each value's result back to the caller that submitted it.
//
// # Inputs and Outputs
//
// A [Dispatcher] acquires values in the following ways, which may be combined:
//   - Call [Dispatcher.Submit], which blocks until the value's result is known.
//   - Call [Dispatcher.Enqueue], which returns a [Future] for the result.
//   - Send values to a channel registered with [Dispatcher.AddFrom]. Their results are discarded.
//
// Every batch is passed to the [ProcessFunc] given to [New]. The function returns one result per
// value, positionally, or a single error for the whole batch.
//
// # Batching
//
// Values wait in a queue until the Dispatcher's loop goroutine moves them into the batch being
// filled. The batch is dispatched as soon as either of these holds:
//
//   - It contains Config.MaxBatchSize values (size trigger).
//   - Config.MaxWait has passed since its first value was added (time trigger).
//
// Values keep their submission order within a batch. There is no ordering between batches: a
// later batch may finish first.
//
// # Concurrency and Backpressure
//
// At most Config.MaxConcurrency batches are processed at once. When all slots are taken, the loop
// goroutine waits for one to free up before dispatching the next batch and stops pulling values
// from the queue in the meantime. With a bounded queue (Config.QueueCapacity), Submit and Enqueue
// then block, pushing back on producers. [WithRateLimit] additionally limits how often batches are
// dispatched.
//
// # Failures
//
// Failure is per batch: if the ProcessFunc returns an error, returns the wrong number of results,
// panics, or exceeds Config.BatchTimeout, every value in the batch receives the same *[BatchError].
// The Dispatcher itself keeps running.
//
// # Shutdown
//
// [Dispatcher.Shutdown] (or canceling the context passed to New) stops the Dispatcher. Values that
// have not been dispatched yet are abandoned rather than processed: their callers receive an error
// matching [ErrCanceled], which is distinct from a *BatchError. Batches already being processed
// are allowed to finish, and their ProcessFunc context is canceled so that they can finish early.
// Once everything has finished, the channel returned by [Dispatcher.Done] is closed and no
// goroutine started by the Dispatcher remains.
package dispatch

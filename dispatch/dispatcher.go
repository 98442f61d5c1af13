// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rhansen/go-dispatch/dispatch/internal/queue"
	"github.com/rhansen/go-dispatch/dispatch/internal/sel"
)

// A ProcessFunc processes one batch. It must return either a non-nil error, which fails every item
// in the batch, or exactly one result per item, where results[i] belongs to items[i]. The
// Dispatcher may call it concurrently, up to Config.MaxConcurrency times.
//
// ctx is canceled when the Dispatcher shuts down and expires after Config.BatchTimeout if that is
// set. The function should return promptly once ctx is done; the Dispatcher waits for it.
type ProcessFunc[T, R any] func(ctx context.Context, items []T) ([]R, error)

// A workItem is a value on its way through the Dispatcher. Items received from an AddFrom channel
// have neither a context nor a future.
type workItem[T, R any] struct {
	v   T
	ctx context.Context
	f   *Future[R]
}

type inputChannel[T any] struct {
	ch   <-chan T
	done chan<- struct{}
}

// A Dispatcher collects values into batches and hands each batch to a [ProcessFunc], running at
// most Config.MaxConcurrency batches at a time.
type Dispatcher[T, R any] struct {
	cfg  Config
	opts *options
	fn   ProcessFunc[T, R]
	log  *zap.Logger

	// queue holds submitted items until the loop goroutine moves them into acc.
	queue *queue.Queue[*workItem[T, R]]
	// acc, inputDones and the select set are only touched by the loop goroutine.
	acc *accumulator[*workItem[T, R]]
	// addFromCh hands channels registered with AddFrom to the loop goroutine so that it can add a
	// select case for them.
	addFromCh chan inputChannel[T]
	// inputDones[i] is closed when the loop stops reading the input channel whose select case ID
	// is numStaticCases+i. A nil entry is a vacated slot.
	inputDones []chan<- struct{}
	// slots limits the number of batches in flight.
	slots *semaphore.Weighted

	// stopCtx is the shared cancellation signal. It is canceled by Shutdown or by the context
	// passed to New, and it is the parent of every context passed to fn.
	stopCtx context.Context
	stop    context.CancelCauseFunc
	state   atomic.Int32
	// batches tracks the processing goroutines so that the loop can join them before closing done.
	batches sync.WaitGroup
	done    chan struct{}

	stats counters
}

// New returns a running [Dispatcher] that passes batches to fn. It returns a *ConfigError if cfg
// is invalid or fn is nil.
//
// Canceling ctx has the same effect as calling [Dispatcher.Shutdown], except that nothing waits
// for the shutdown to finish; use [Dispatcher.Done] for that.
func New[T, R any](ctx context.Context, cfg Config, fn ProcessFunc[T, R], opts ...Option) (*Dispatcher[T, R], error) {
	var problems []FieldError
	var cerr *ConfigError
	if errors.As(cfg.Validate(), &cerr) {
		problems = cerr.Problems
	}
	if fn == nil {
		problems = append(problems, FieldError{"ProcessFunc", nil, "must not be nil"})
	}
	o := processOptions(opts)
	if lim := o.rateLimit; lim != nil && lim.Burst() < 1 && lim.Limit() != rate.Inf {
		problems = append(problems, FieldError{"RateLimit", lim.Burst(), "burst must be positive"})
	}
	if len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}
	stopCtx, stop := context.WithCancelCause(ctx)
	d := &Dispatcher[T, R]{
		cfg:       cfg,
		opts:      o,
		fn:        fn,
		log:       o.logger.With(zap.String("component", "dispatch")),
		queue:     queue.New[*workItem[T, R]](cfg.QueueCapacity),
		acc:       newAccumulator[*workItem[T, R]](o.clock, cfg.MaxBatchSize, cfg.MaxWait),
		addFromCh: make(chan inputChannel[T]),
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		stopCtx:   stopCtx,
		stop:      stop,
		done:      make(chan struct{}),
	}
	if m := o.metrics; m != nil {
		d.queue.Observe(m.queued)
	}
	d.state.Store(int32(StateRunning))
	d.log.Debug("dispatcher started",
		zap.Int("max_batch_size", cfg.MaxBatchSize),
		zap.Duration("max_wait", cfg.MaxWait),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.Int("queue_capacity", cfg.QueueCapacity))
	go d.loop()
	return d, nil
}

// NewDispatcher is shorthand for [New] with a background context, an unbounded queue, no batch
// timeout and no options.
func NewDispatcher[T, R any](maxBatchSize int, maxWait time.Duration, maxConcurrency int, fn ProcessFunc[T, R]) (*Dispatcher[T, R], error) {
	return New(context.Background(), Config{
		MaxBatchSize:   maxBatchSize,
		MaxWait:        maxWait,
		MaxConcurrency: maxConcurrency,
	}, fn)
}

// Enqueue adds v to a future batch and returns a [Future] for its result without waiting for the
// batch to be processed. If the queue is bounded and full, Enqueue blocks until there is room, ctx
// is done, or shutdown begins.
//
// If ctx is done before the item's batch is dispatched, the item is dropped from the batch and
// its future receives ctx's error.
//
// Enqueue returns ErrClosed once shutdown has begun.
func (d *Dispatcher[T, R]) Enqueue(ctx context.Context, v T) (*Future[R], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.stopCtx.Err() != nil {
		d.reject()
		return nil, ErrClosed
	}
	w := &workItem[T, R]{v: v, ctx: ctx, f: newFuture[R]()}
	if err := d.queue.Enqueue(ctx, w); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			d.reject()
			return nil, ErrClosed
		}
		return nil, err
	}
	d.stats.submitted.Add(1)
	d.opts.metrics.submitted()
	return w.f, nil
}

func (d *Dispatcher[T, R]) reject() {
	d.stats.rejected.Add(1)
	d.opts.metrics.rejected()
}

// Submit adds v to a future batch and blocks until the batch is processed or ctx is done.
//
// The returned error is ctx's error if ctx is done first, ErrClosed if the Dispatcher no longer
// accepts items, an error matching ErrCanceled if the Dispatcher shut down before the item was
// processed, or a *BatchError if processing failed.
func (d *Dispatcher[T, R]) Submit(ctx context.Context, v T) (R, error) {
	f, err := d.Enqueue(ctx, v)
	if err != nil {
		var zero R
		return zero, err
	}
	return f.Wait(ctx)
}

// AddFrom registers ch with the Dispatcher. Values received from ch are batched together with
// submitted values and with values from other registered channels. Values are received from ch
// until it is closed or the Dispatcher shuts down, at which point the returned channel is closed.
// Results of values received from ch are discarded; failures are logged.
//
// Because values are received directly by the loop goroutine, a sender on ch blocks while the
// Dispatcher is waiting for a free slot.
func (d *Dispatcher[T, R]) AddFrom(ch <-chan T) <-chan struct{} {
	done := make(chan struct{})
	select {
	case d.addFromCh <- inputChannel[T]{ch: ch, done: done}:
	case <-d.stopCtx.Done():
		close(done)
	}
	return done
}

// Stats returns a snapshot of the Dispatcher's counters.
func (d *Dispatcher[T, R]) Stats() Stats {
	s := d.stats.snapshot()
	s.Queued = d.queue.Len()
	return s
}

const (
	caseStop sel.CaseID = iota
	caseQueue
	caseAddFrom
	caseMaxWait
	numStaticCases
)

func (d *Dispatcher[T, R]) loop() {
	// Implementation note: reflect.Select (through package sel) is used because the number of
	// input channels registered with AddFrom is not known statically. Relaying those channels
	// through goroutines into a single channel would buffer one extra value per channel.
	defer close(d.done)

	ss := &sel.Set{}
	ss.Recv(caseStop, d.stopCtx.Done())
	ss.Recv(caseQueue, d.queue.Ready())
	ss.Recv(caseAddFrom, d.addFromCh)
	ss.Recv(caseMaxWait, d.acc.C())

	for d.stopCtx.Err() == nil {
		switch id, v, ok := ss.Wait(); id {
		case caseStop:
			// Handled by the loop condition.
		case caseQueue:
			d.drainQueue()
		case caseAddFrom:
			d.register(ss, v.(inputChannel[T]))
		case caseMaxWait:
			if d.acc.Expired() {
				d.flush(triggerTime)
			}
		default:
			i := int(id - numStaticCases)
			if id < numStaticCases || i >= len(d.inputDones) || d.inputDones[i] == nil {
				panic(fmt.Errorf("unexpected select case %v", id))
			}
			if !ok {
				ss.Clear(id)
				close(d.inputDones[i])
				// Keep the slot so that the case IDs of later channels stay valid.
				d.inputDones[i] = nil
				break
			}
			q, _ := v.(T)
			d.stats.submitted.Add(1)
			d.opts.metrics.submitted()
			d.add(&workItem[T, R]{v: q})
		}
	}
	d.drain(ss)
}

func (d *Dispatcher[T, R]) register(ss *sel.Set, ic inputChannel[T]) {
	// Reuse a vacated slot if there is one. AddFrom is expected to be rare relative to the number
	// of values, so a linear scan is fine.
	i := 0
	for i < len(d.inputDones) && d.inputDones[i] != nil {
		i++
	}
	if i == len(d.inputDones) {
		d.inputDones = append(d.inputDones, ic.done)
	} else {
		d.inputDones[i] = ic.done
	}
	ss.Recv(numStaticCases+sel.CaseID(i), ic.ch)
}

func (d *Dispatcher[T, R]) drainQueue() {
	for d.stopCtx.Err() == nil {
		w, ok := d.queue.TryDequeue()
		if !ok {
			return
		}
		d.add(w)
	}
}

func (d *Dispatcher[T, R]) add(w *workItem[T, R]) {
	if d.acc.Add(w) {
		d.flush(triggerSize)
	}
}

// flush dispatches the batch being filled. It blocks while all slots are taken, which stops the
// loop from pulling more items and so pushes back on producers.
func (d *Dispatcher[T, R]) flush(t trigger) {
	batch := d.withdrawCanceled(d.acc.Take())
	if len(batch) == 0 {
		return
	}
	if err := d.acquireSlot(); err != nil {
		d.abandon(batch, context.Cause(d.stopCtx))
		return
	}
	d.stats.batches.Add(1)
	switch t {
	case triggerSize:
		d.stats.sizeTriggered.Add(1)
	case triggerTime:
		d.stats.timeTriggered.Add(1)
	}
	d.opts.metrics.dispatched(t, len(batch))
	d.log.Debug("dispatching batch", zap.Int("size", len(batch)), zap.Stringer("trigger", t))
	d.batches.Add(1)
	go d.process(batch)
}

// withdrawCanceled completes and removes the items whose submitting context is already done.
func (d *Dispatcher[T, R]) withdrawCanceled(batch []*workItem[T, R]) []*workItem[T, R] {
	kept := batch[:0]
	for _, w := range batch {
		if w.ctx != nil && w.ctx.Err() != nil {
			w.f.complete(*new(R), w.ctx.Err())
			continue
		}
		kept = append(kept, w)
	}
	if n := len(batch) - len(kept); n > 0 {
		clear(batch[len(kept):])
		d.stats.canceled.Add(int64(n))
		d.opts.metrics.canceled(n)
	}
	return kept
}

func (d *Dispatcher[T, R]) acquireSlot() error {
	if lim := d.opts.rateLimit; lim != nil {
		clk := d.opts.clock
		now := clk.Now()
		r := lim.ReserveN(now, 1)
		if !r.OK() {
			d.log.Warn("rate limiter cannot grant a token; dispatching without delay")
		} else if delay := r.DelayFrom(now); delay > 0 {
			select {
			case <-clk.After(delay):
			case <-d.stopCtx.Done():
				r.CancelAt(clk.Now())
				return d.stopCtx.Err()
			}
		}
	}
	if err := d.slots.Acquire(d.stopCtx, 1); err != nil {
		return err
	}
	if err := d.stopCtx.Err(); err != nil {
		// Lost the race with shutdown; the batch is abandoned like any other undispatched batch.
		d.slots.Release(1)
		return err
	}
	return nil
}

func (d *Dispatcher[T, R]) process(batch []*workItem[T, R]) {
	defer d.batches.Done()
	defer d.slots.Release(1)
	d.stats.inFlight.Add(1)
	defer d.stats.inFlight.Add(-1)

	items := make([]T, len(batch))
	for i, w := range batch {
		items[i] = w.v
	}
	ctx := d.stopCtx
	if d.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.BatchTimeout)
		defer cancel()
	}

	start := d.opts.clock.Now()
	rs, panicked, err := d.call(ctx, items)
	elapsed := d.opts.clock.Since(start)

	var failure error
	var reason string
	switch {
	case panicked:
		failure, reason = &BatchError{Err: err, Size: len(batch)}, reasonPanic
	case err != nil && d.stopCtx.Err() != nil:
		failure, reason = &canceledError{cause: context.Cause(d.stopCtx)}, reasonCancel
	// Past BatchTimeout the batch fails with ErrBatchTimeout, even if fn returned results or an
	// error of its own.
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && d.stopCtx.Err() == nil:
		failure, reason = &BatchError{Err: ErrBatchTimeout, Size: len(batch)}, reasonTimeout
	case err != nil:
		failure, reason = &BatchError{Err: err, Size: len(batch)}, reasonError
	case len(rs) != len(batch):
		failure = &BatchError{
			Err:  fmt.Errorf("%w: got %d results, want %d", ErrResultCount, len(rs), len(batch)),
			Size: len(batch),
		}
		reason = reasonCount
	}
	d.opts.metrics.finished(elapsed, reason)

	if failure != nil {
		if reason == reasonCancel {
			d.stats.canceled.Add(int64(len(batch)))
			d.opts.metrics.canceled(len(batch))
		} else {
			d.stats.failed.Add(int64(len(batch)))
		}
		d.log.Warn("batch failed",
			zap.Int("size", len(batch)),
			zap.String("reason", reason),
			zap.Duration("elapsed", elapsed),
			zap.Error(failure))
		for _, w := range batch {
			if w.f != nil {
				w.f.complete(*new(R), failure)
			}
		}
		return
	}
	d.stats.succeeded.Add(int64(len(batch)))
	for i, w := range batch {
		if w.f != nil {
			w.f.complete(rs[i], nil)
		}
	}
}

// call runs fn, converting a panic into an error so that it never escapes the batch goroutine.
func (d *Dispatcher[T, R]) call(ctx context.Context, items []T) (rs []R, panicked bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("batch processor panicked", zap.Any("panic", p), zap.Stack("stack"))
			rs, panicked, err = nil, true, fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	rs, err = d.fn(ctx, items)
	return rs, false, err
}

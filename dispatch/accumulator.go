// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// trigger records why a batch was flushed.
type trigger int

const (
	triggerSize trigger = iota
	triggerTime
)

func (t trigger) String() string {
	switch t {
	case triggerSize:
		return "size"
	case triggerTime:
		return "time"
	default:
		return "unknown"
	}
}

const initialBatchCap = 64

// An accumulator decides when the batch being filled is ready. It is owned by the dispatcher's
// loop goroutine and must not be used from any other goroutine.
//
// The batch is ready when it holds maxSize items, or when maxWait has elapsed since its first item
// was added. The timer is only armed while the batch is non-empty, so an empty batch is never
// flushed by a tick.
type accumulator[W any] struct {
	clk     clockwork.Clock
	maxSize int
	maxWait time.Duration
	items   []W
	first   time.Time
	tmr     *timer
}

func newAccumulator[W any](clk clockwork.Clock, maxSize int, maxWait time.Duration) *accumulator[W] {
	return &accumulator[W]{
		clk:     clk,
		maxSize: maxSize,
		maxWait: maxWait,
		tmr:     newTimer(clk),
	}
}

// Add appends w to the batch and reports whether the batch is now full.
func (a *accumulator[W]) Add(w W) bool {
	if a.items == nil {
		// MaxBatchSize may be huge; let append grow the slice past the first few items.
		a.items = make([]W, 0, min(a.maxSize, initialBatchCap))
	}
	a.items = append(a.items, w)
	if len(a.items) == 1 {
		a.first = a.clk.Now()
		a.tmr.Reset(a.maxWait)
	}
	return len(a.items) >= a.maxSize
}

// C returns the channel of the MaxWait timer. The channel never changes.
func (a *accumulator[W]) C() <-chan time.Time {
	return a.tmr.Chan()
}

// Expired must be called after each receive from C. It reports whether the batch should be
// flushed because of its age.
func (a *accumulator[W]) Expired() bool {
	return a.tmr.Fired() && len(a.items) > 0
}

// Take returns the batch and starts a new, empty one.
func (a *accumulator[W]) Take() []W {
	items := a.items
	a.items = nil
	a.first = time.Time{}
	a.tmr.Stop()
	return items
}

// Len returns the number of items in the batch being filled.
func (a *accumulator[W]) Len() int {
	return len(a.items)
}

// Age returns the time since the first item of the current batch was added, or 0 if the batch is
// empty.
func (a *accumulator[W]) Age() time.Duration {
	if len(a.items) == 0 {
		return 0
	}
	return a.clk.Since(a.first)
}

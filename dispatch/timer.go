// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// A timer wraps a clockwork.Timer for the accumulation loop. A nil timer (or one with a nil
// Timer) never fires. Stop and Reset drain a pending tick, and armed records whether the most
// recent Reset is still outstanding. Only the loop goroutine may touch a timer.
type timer struct {
	clockwork.Timer
	armed bool
}

func newTimer(clk clockwork.Clock) *timer {
	tmr := &timer{Timer: clk.NewTimer(0)}
	<-tmr.Timer.Chan()
	return tmr
}

func (tmr *timer) Chan() <-chan time.Time {
	if tmr == nil || tmr.Timer == nil {
		return nil
	}
	return tmr.Timer.Chan()
}

func (tmr *timer) Stop() {
	if tmr == nil || tmr.Timer == nil {
		return
	}
	tmr.armed = false
	tmr.Timer.Stop()
	select {
	case <-tmr.Timer.Chan():
	default:
	}
}

func (tmr *timer) Reset(d time.Duration) {
	if tmr == nil || tmr.Timer == nil {
		return
	}
	tmr.Stop()
	tmr.armed = true
	tmr.Timer.Reset(d)
}

// Fired must be called after a value is received from Chan. It reports whether the timer was
// still armed, which filters out a tick that raced with Stop.
func (tmr *timer) Fired() bool {
	armed := tmr.armed
	tmr.armed = false
	return armed
}

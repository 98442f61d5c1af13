// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "sync/atomic"

// Stats is a snapshot of a Dispatcher's counters.
type Stats struct {
	// Submitted counts items accepted by Enqueue, Submit or an AddFrom channel.
	Submitted int64 `json:"submitted"`
	// Rejected counts Enqueue and Submit calls refused with ErrClosed.
	Rejected int64 `json:"rejected"`
	// Batches counts batches handed to the processing function.
	Batches       int64 `json:"batches"`
	SizeTriggered int64 `json:"size_triggered"`
	TimeTriggered int64 `json:"time_triggered"`
	// Succeeded and Failed count items whose batch was processed.
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	// Canceled counts items that were accepted but never processed, either because their own
	// context was done before dispatch or because the Dispatcher shut down.
	Canceled int64 `json:"canceled"`
	// InFlight is the number of batches being processed right now.
	InFlight int64 `json:"in_flight"`
	// Queued is the number of submitted items waiting to be batched.
	Queued int `json:"queued"`
}

// MeanBatchSize returns the average number of items per dispatched batch.
func (s Stats) MeanBatchSize() float64 {
	if s.Batches == 0 {
		return 0
	}
	return float64(s.Succeeded+s.Failed) / float64(s.Batches)
}

type counters struct {
	submitted     atomic.Int64
	rejected      atomic.Int64
	batches       atomic.Int64
	sizeTriggered atomic.Int64
	timeTriggered atomic.Int64
	succeeded     atomic.Int64
	failed        atomic.Int64
	canceled      atomic.Int64
	inFlight      atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Submitted:     c.submitted.Load(),
		Rejected:      c.rejected.Load(),
		Batches:       c.batches.Load(),
		SizeTriggered: c.sizeTriggered.Load(),
		TimeTriggered: c.timeTriggered.Load(),
		Succeeded:     c.succeeded.Load(),
		Failed:        c.failed.Load(),
		Canceled:      c.canceled.Load(),
		InFlight:      c.inFlight.Load(),
	}
}

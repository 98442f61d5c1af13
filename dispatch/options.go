// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type options struct {
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *Metrics
	rateLimit *rate.Limiter
}

func processOptions(opts []Option) *options {
	o := &options{
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option customizes optional behavior of a [Dispatcher]. Required parameters live in [Config].
type Option func(*options)

// WithClock returns an [Option] that changes the clock used for the MaxWait timer, rate limiting
// and batch durations. Its primary purpose is to facilitate testing. If this option is not used,
// the system's real clock is used.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger returns an [Option] that sets the logger. If this option is not used, or l is nil,
// nothing is logged.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics returns an [Option] that records Prometheus metrics in m. See [NewMetrics].
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRateLimit returns an [Option] that postpones the dispatch of each batch until a token is
// available in lim. While the dispatcher waits for a token, new items keep accumulating in the
// queue and later batches fill up faster. If this option is not used, or lim is nil,
// dispatch is not rate limited.
//
// Note: the limiter is reckoned on the Dispatcher's clock (see [WithClock]).
func WithRateLimit(lim *rate.Limiter) Option {
	return func(o *options) { o.rateLimit = lim }
}

// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Failure reasons used as the "reason" label of batch_failures_total.
const (
	reasonError   = "error"
	reasonCount   = "result_count"
	reasonTimeout = "timeout"
	reasonPanic   = "panic"
	reasonCancel  = "canceled"
)

// Metrics is a set of Prometheus collectors describing a Dispatcher. One Metrics value may be
// shared by several Dispatchers; their observations are summed.
type Metrics struct {
	itemsSubmitted    prometheus.Counter
	itemsRejected     prometheus.Counter
	itemsCanceled     prometheus.Counter
	batchesDispatched *prometheus.CounterVec
	batchFailures     *prometheus.CounterVec
	batchSize         prometheus.Histogram
	batchDuration     prometheus.Histogram
	inFlight          prometheus.Gauge
	queueDepth        prometheus.Gauge
}

// NewMetrics creates the dispatcher collectors under namespace and registers them with reg. A nil
// reg leaves the collectors unregistered, which is convenient in tests. NewMetrics panics if the
// collectors are already registered with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		itemsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "items_submitted_total",
			Help:      "Total number of items accepted for batching",
		}),
		itemsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "items_rejected_total",
			Help:      "Total number of items refused because the dispatcher was closed",
		}),
		itemsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "items_canceled_total",
			Help:      "Total number of accepted items that were never processed",
		}),
		batchesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "batches_dispatched_total",
			Help:      "Total number of batches handed to the processing function",
		}, []string{"trigger"}),
		batchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "batch_failures_total",
			Help:      "Total number of batches whose items received an error",
		}, []string{"reason"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "batch_size",
			Help:      "Number of items per dispatched batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "batch_duration_seconds",
			Help:      "Time spent in the processing function per batch",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "batches_in_flight",
			Help:      "Number of batches currently being processed",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Number of submitted items waiting to be batched",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.itemsSubmitted, m.itemsRejected, m.itemsCanceled,
			m.batchesDispatched, m.batchFailures,
			m.batchSize, m.batchDuration,
			m.inFlight, m.queueDepth,
		)
	}
	return m
}

// All methods accept a nil receiver so that the dispatcher can call them unconditionally.

func (m *Metrics) submitted() {
	if m != nil {
		m.itemsSubmitted.Inc()
	}
}

func (m *Metrics) queued(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) rejected() {
	if m != nil {
		m.itemsRejected.Inc()
	}
}

func (m *Metrics) canceled(n int) {
	if m != nil && n > 0 {
		m.itemsCanceled.Add(float64(n))
	}
}

func (m *Metrics) dispatched(t trigger, size int) {
	if m != nil {
		m.batchesDispatched.WithLabelValues(t.String()).Inc()
		m.batchSize.Observe(float64(size))
		m.inFlight.Inc()
	}
}

func (m *Metrics) finished(d time.Duration, failure string) {
	if m != nil {
		m.inFlight.Dec()
		m.batchDuration.Observe(d.Seconds())
		if failure != "" {
			m.batchFailures.WithLabelValues(failure).Inc()
		}
	}
}

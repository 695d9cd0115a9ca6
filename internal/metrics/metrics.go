// Package metrics exposes the prometheus instrumentation hooks for the
// core engines. Only the counters/gauges live here; registering them
// with an HTTP handler is left to the caller, the same way the socket
// runtime itself is left to the caller.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every metric this module emits, instantiated once per
// process (or once per test) and passed down to the publisher/subscriber
// engines that record against it.
type Registry struct {
	PublishLatency   prometheus.Histogram
	PublishFailures  *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	BeingPublished   prometheus.Gauge
	ConfirmOutcomes  *prometheus.CounterVec
	MessagesDelivered prometheus.Counter
}

// NewRegistry builds a Registry with fresh, unregistered collectors. Call
// Register to attach them to a prometheus.Registerer.
func NewRegistry() *Registry {
	return &Registry{
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mybus",
			Subsystem: "publisher",
			Name:      "publish_latency_seconds",
			Help:      "Time from Publish send to matching PublishResponse.",
			Buckets:   prometheus.DefBuckets,
		}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mybus",
			Subsystem: "publisher",
			Name:      "publish_failures_total",
			Help:      "Publish attempts that failed, labeled by error kind.",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mybus",
			Subsystem: "publisher",
			Name:      "internal_queue_depth",
			Help:      "Messages currently queued by the internal-queue publisher, excluding in-flight batches.",
		}),
		BeingPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mybus",
			Subsystem: "publisher",
			Name:      "being_published",
			Help:      "Messages currently part of a batch being sent to the server.",
		}),
		ConfirmOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mybus",
			Subsystem: "subscriber",
			Name:      "confirm_outcomes_total",
			Help:      "MessagesReader drop-time decisions, labeled by outcome.",
		}, []string{"outcome"}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mybus",
			Subsystem: "subscriber",
			Name:      "messages_delivered_total",
			Help:      "Messages handed to a subscription handler via next()/all().",
		}),
	}
}

// Register attaches every collector in r to reg. Safe to call once per
// Registry instance.
func (r *Registry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.PublishLatency,
		r.PublishFailures,
		r.QueueDepth,
		r.BeingPublished,
		r.ConfirmOutcomes,
		r.MessagesDelivered,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Noop returns a Registry whose collectors are never registered anywhere,
// safe for tests that don't want to touch the default prometheus registry.
func Noop() *Registry {
	return NewRegistry()
}

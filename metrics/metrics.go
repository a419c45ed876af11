// Package metrics exposes Prometheus collectors for the relay.
//
// A nil *Metrics is valid and discards every observation, so components
// can be constructed without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bloodbank_relay"

// Eviction reasons.
const (
	ReasonDeliveryFailed  = "delivery_failed"
	ReasonInvalidEndpoint = "invalid_endpoint"
)

// Metrics holds the relay's collectors.
type Metrics struct {
	subscribers   prometheus.Gauge
	registrations *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	passes        prometheus.Counter
	passDuration  prometheus.Histogram
	sweeps        prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Number of live push subscriptions in the registry.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration requests by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Push delivery attempts by outcome.",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Subscriptions removed from the registry by reason.",
		}, []string{"reason"}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_passes_total",
			Help:      "Completed broadcast passes.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_pass_duration_seconds",
			Help:      "Wall time of one broadcast pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed maintenance sweeps.",
		}),
	}
	reg.MustRegister(m.subscribers, m.registrations, m.deliveries, m.evictions, m.passes, m.passDuration, m.sweeps)
	return m
}

// SetSubscribers records the current registry size.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// Registration counts one registration request with the given result.
func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

// Delivery counts one delivery attempt.
func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// Eviction counts one subscription removal.
func (m *Metrics) Eviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

// Pass records a finished broadcast pass.
func (m *Metrics) Pass(seconds float64) {
	if m == nil {
		return
	}
	m.passes.Inc()
	m.passDuration.Observe(seconds)
}

// Sweep records a finished maintenance sweep.
func (m *Metrics) Sweep() {
	if m == nil {
		return
	}
	m.sweeps.Inc()
}

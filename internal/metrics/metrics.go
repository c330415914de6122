// Package metrics defines the Prometheus collectors of the checkout engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "checkout"

type Metrics struct {
	ordersCreated   prometheus.Counter
	initiations     *prometheus.CounterVec
	reconcileEvents *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_created_total", Help: "Orders created from cart snapshots.",
		}),
		initiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payment_initiations_total", Help: "Payment initiations by provider and outcome.",
		}, []string{"provider", "outcome"}),
		reconcileEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_events_total", Help: "Provider notifications by provider and outcome.",
		}, []string{"provider", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_transitions_total", Help: "State machine events by event and result.",
		}, []string{"event", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "provider_call_duration_seconds", Help: "Provider API call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "call"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.ordersCreated, m.initiations, m.reconcileEvents, m.transitions,
		m.providerLatency, m.httpRequests, m.httpDuration)
	return m
}

func (m *Metrics) OrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

func (m *Metrics) PaymentInitiation(provider, outcome string) {
	if m == nil {
		return
	}
	m.initiations.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ReconcileEvent(provider, outcome string) {
	if m == nil {
		return
	}
	m.reconcileEvents.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) Transition(event, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event, result).Inc()
}

func (m *Metrics) ProviderCall(provider, call string, seconds float64) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(provider, call).Observe(seconds)
}

func (m *Metrics) HTTPRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}

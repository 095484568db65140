// Copyright 2025 Certen Protocol
//
// Package metrics registers the order lifecycle engine's Prometheus
// instruments: counters for state transitions, created orders, approver
// upcalls and chain events, plus latency histograms for selection-to-broadcast
// and MPC signing. No gauges are registered.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/mpc-orderflow/pkg/order"
)

// Metrics holds every registered instrument. Components receive it at
// construction; a nil *Metrics is a no-op everywhere.
type Metrics struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	ordersCreated  *prometheus.CounterVec
	upcalls        *prometheus.CounterVec
	chainEvents    prometheus.Counter
	advanceLatency prometheus.Histogram
	mpcLatency     prometheus.Histogram
}

// New builds and registers the instrument set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_state_transitions_total",
			Help: "Order state transitions, labeled by target state and order type.",
		}, []string{"to_state", "order_type"}),
		ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_orders_created_total",
			Help: "Orders accepted by intake, labeled by order type.",
		}, []string{"order_type"}),
		upcalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_approver_upcalls_total",
			Help: "Approver upcalls received, labeled by outcome.",
		}, []string{"outcome"}),
		chainEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderflow_chain_events_total",
			Help: "Chain events consumed by the reconciler.",
		}),
		advanceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderflow_selection_to_broadcast_seconds",
			Help:    "Duration from an order being selected for signing to its broadcast settling.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		mpcLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderflow_mpc_sign_seconds",
			Help:    "Latency of MPC signing calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	registry.MustRegister(m.transitions, m.ordersCreated, m.upcalls, m.chainEvents, m.advanceLatency, m.mpcLatency)
	return m
}

// Handler exposes the registry for the metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OrderTransitioned implements the orchestrator's StateObserver seam.
func (m *Metrics) OrderTransitioned(o *order.Order, from, to order.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to), string(o.OrderType)).Inc()
}

// OrderCreated counts an intake acceptance.
func (m *Metrics) OrderCreated(t order.Type) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(string(t)).Inc()
}

// UpcallReceived counts an approver upcall by outcome ("accepted",
// "rejected", "mismatch").
func (m *Metrics) UpcallReceived(outcome string) {
	if m == nil {
		return
	}
	m.upcalls.WithLabelValues(outcome).Inc()
}

// ChainEventConsumed counts one reconciler event.
func (m *Metrics) ChainEventConsumed() {
	if m == nil {
		return
	}
	m.chainEvents.Inc()
}

// ObserveAdvanceLatency records the selection-to-broadcast duration in seconds.
func (m *Metrics) ObserveAdvanceLatency(seconds float64) {
	if m == nil {
		return
	}
	m.advanceLatency.Observe(seconds)
}

// ObserveMpcLatency records one signing call's latency in seconds.
func (m *Metrics) ObserveMpcLatency(seconds float64) {
	if m == nil {
		return
	}
	m.mpcLatency.Observe(seconds)
}

// Package metrics exposes engine activity as Prometheus metrics by
// listening on the engine event bus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ivxp "github.com/ivxp-foundation/ivxp-go"
)

// Metrics holds the engine counters backed by one registry.
type Metrics struct {
	registry *prometheus.Registry

	quotesIssued      prometheus.Counter
	paymentsConfirmed prometheus.Counter
	ordersPaid        prometheus.Counter
	ordersDelivered   prometheus.Counter
	deliveriesFailed  prometheus.Counter
	ordersConfirmed   prometheus.Counter
	pushRetries       prometheus.Counter
	pushOutcomes      *prometheus.CounterVec
}

// New builds the metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		quotesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivxp_quotes_issued_total",
			Help: "Total number of quotes issued",
		}),
		paymentsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivxp_payments_confirmed_total",
			Help: "Total number of payment proofs verified on chain",
		}),
		ordersPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivxp_orders_paid_total",
			Help: "Total number of orders moved to paid",
		}),
		ordersDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivxp_orders_delivered_total",
			Help: "Total number of orders delivered",
		}),
		deliveriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivxp_deliveries_failed_total",
			Help: "Total number of orders whose processing failed",
		}),
		ordersConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivxp_orders_confirmed_total",
			Help: "Total number of orders confirmed by clients",
		}),
		pushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivxp_push_retries_total",
			Help: "Total number of retried push delivery attempts",
		}),
		pushOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ivxp_push_outcomes_total",
			Help: "Push delivery outcomes by result",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.quotesIssued,
		m.paymentsConfirmed,
		m.ordersPaid,
		m.ordersDelivered,
		m.deliveriesFailed,
		m.ordersConfirmed,
		m.pushRetries,
		m.pushOutcomes,
	)
	return m
}

// Attach subscribes the counters to an engine event bus and returns the
// unsubscribe func.
func (m *Metrics) Attach(bus *ivxp.EventBus) func() {
	return bus.SubscribeAll(func(ev ivxp.Event) {
		switch ev.Name {
		case ivxp.EventOrderQuoted:
			m.quotesIssued.Inc()
		case ivxp.EventPaymentConfirmed:
			m.paymentsConfirmed.Inc()
		case ivxp.EventOrderPaid:
			m.ordersPaid.Inc()
		case ivxp.EventOrderDelivered:
			m.ordersDelivered.Inc()
			if result, ok := ev.Payload.(*ivxp.DeliveryResult); ok && result.Pushed {
				m.pushOutcomes.WithLabelValues("delivered").Inc()
			}
		case ivxp.EventDeliveryFailed:
			m.deliveriesFailed.Inc()
			// A failure that left a content hash behind was a push
			// failure; handler failures produce no deliverable.
			if result, ok := ev.Payload.(*ivxp.DeliveryResult); ok && result.ContentHash != "" {
				outcome := "refused"
				if result.Attempts > 0 {
					outcome = "failed"
				}
				m.pushOutcomes.WithLabelValues(outcome).Inc()
			}
		case ivxp.EventOrderConfirmed:
			m.ordersConfirmed.Inc()
		case ivxp.EventPushRetry:
			m.pushRetries.Inc()
		}
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

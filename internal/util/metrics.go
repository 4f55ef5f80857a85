package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	OrdersCancelledRefundPending = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_refund_pending_total",
		Help: "Cancelled orders with a captured payment whose refund did not complete",
	})

	OrdersFulfilledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_fulfilled_total",
		Help: "Total number of fulfillment operations",
	}, []string{"result"})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	InventoryReconcileMismatch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_reconcile_mismatch_total",
		Help: "Ledger replays that did not reproduce the current stock quantity",
	})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of gateway operations attempted",
	}, []string{"op"})

	PaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed gateway operations",
	}, []string{"op"})

	PaymentReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_idempotent_replays_total",
		Help: "Operations answered from a stored result without a gateway call",
	})

	PaymentReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconciliations_total",
		Help: "Payments settled by the gateway reconciliation sweep",
	}, []string{"outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_latency_seconds",
		Help:    "Latency of gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Total number of refund attempts",
	}, []string{"target", "result"})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Total number of webhook delivery attempts",
	}, []string{"result"})

	WebhookDeadLetterTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_dead_letter_total",
		Help: "Deliveries that exhausted their retry budget",
	})

	WebhookDeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhook_delivery_latency_seconds",
		Help:    "Latency of webhook HTTP delivery attempts",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

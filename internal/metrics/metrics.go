// Package metrics exposes the bridge's Prometheus instrumentation. Collectors
// register on the default registry; the API server serves them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_signals_received_total",
		Help: "Webhook signals received, by account.",
	}, []string{"account"})

	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_signals_rejected_total",
		Help: "Signals rejected before dispatch, by reason.",
	}, []string{"reason"})

	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_orders_placed_total",
		Help: "Broker orders placed, by account.",
	}, []string{"account"})

	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_orders_filled_total",
		Help: "Orders fully filled, by account and final mode (limit or market).",
	}, []string{"account", "mode"})

	OrdersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_orders_failed_total",
		Help: "Orders that ended in a terminal failure, by account and reason.",
	}, []string{"account", "reason"})

	OrderSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_order_steps_total",
		Help: "Progressive limit price steps taken across all orders.",
	})

	PollingTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_polling_ticks_total",
		Help: "Polling loop ticks, by loop (positions or orders).",
	}, []string{"loop"})

	PollingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_polling_errors_total",
		Help: "Polling tick failures, by loop.",
	}, []string{"loop"})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_notifications_sent_total",
		Help: "Notifications delivered, by channel and outcome.",
	}, []string{"channel", "outcome"})

	DeltaRecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_delta_records_written_total",
		Help: "Delta ledger rows written, by action.",
	}, []string{"action"})

	GatewayCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_gateway_call_seconds",
		Help:    "Broker gateway call latency, by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

package checkout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersFulfilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_checkout_orders_fulfilled_total",
		Help: "Orders paid and delivered",
	})

	fulfillFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_checkout_fulfillment_failures_total",
		Help: "Fulfillment attempts that failed after a successful debit",
	})

	refundsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_checkout_refunds_total",
		Help: "Compensating refunds recorded",
	})

	compensationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_checkout_compensation_failures_total",
		Help: "Refund writes that failed; money taken without goods or refund",
	})
)

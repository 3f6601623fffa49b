package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	creditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_ledger_credits_total",
		Help: "Completed credit transactions by type",
	}, []string{"type"})

	debitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_ledger_debits_total",
		Help: "Completed debit transactions by type",
	}, []string{"type"})

	insufficientTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_ledger_insufficient_balance_total",
		Help: "Debits rejected for insufficient balance",
	})

	creditReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_ledger_credit_replays_total",
		Help: "Credit calls collapsed onto an existing idempotency key",
	})

	debitReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallet_ledger_debit_replays_total",
		Help: "Debit calls collapsed onto an existing idempotency key",
	})
)

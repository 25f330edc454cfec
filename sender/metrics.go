package sender

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SentTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "sender",
		Name:      "sent_transactions_total",
	}, []string{"chain_id", "kind"})

	ConfirmedTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "sender",
		Name:      "transaction_results_total",
	}, []string{"chain_id", "result"})
)

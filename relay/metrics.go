package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LatestHeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "pipeline",
		Name:      "latest_head_block",
		Help:      "Shows the latest head block minus required confirmations. Logs up to this block are waiting to be fetched.",
	}, []string{"bridge_id", "chain_id", "address"})
	LatestFetchedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "pipeline",
		Name:      "latest_fetched_block",
		Help:      "Shows the latest fetched block. Logs up to this block are already fetched and saved.",
	}, []string{"bridge_id", "chain_id", "address"})
	LatestProcessedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "pipeline",
		Name:      "latest_processed_block",
		Help:      "Shows the latest processed block. Transfers up to this block are relayed or recorded as failed.",
	}, []string{"bridge_id", "chain_id", "address"})
	PipelineHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "pipeline",
		Name:      "healthy",
		Help:      "Shows 1 if the pipeline is running and its circuit breaker is closed.",
	}, []string{"bridge_id", "side"})

	RecordTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "records",
		Name:      "transitions_total",
		Help:      "Counts processed record state transitions.",
	}, []string{"source_chain_id", "dest_chain_id", "state"})
	DroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "records",
		Name:      "dropped_events_total",
		Help:      "Counts source events that were not relayed.",
	}, []string{"chain_id", "reason"})
	RelayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "records",
		Name:      "attempts_total",
		Help:      "Counts relay attempts, every signed destination transaction or failed attempt to resolve one.",
	}, []string{"dest_chain_id", "kind"})
	RecoveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "records",
		Name:      "recovery_failures_total",
		Help:      "Counts incomplete records that could not be driven on pipeline start.",
	}, []string{"source_chain_id", "dest_chain_id"})
)

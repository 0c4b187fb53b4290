package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	IntentsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentcore_intents_initiated_total",
		Help: "The total number of intents initiated by source chain",
	}, []string{"chain_id"})

	IntentsFulfilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentcore_intents_fulfilled_total",
		Help: "The total number of fulfillments registered by chain",
	}, []string{"chain_id"})

	IntentsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentcore_intents_settled_total",
		Help: "The total number of settlements applied by chain and outcome",
	}, []string{"chain_id", "outcome"})

	DuplicateSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentcore_duplicate_settlements_total",
		Help: "Settlement deliveries rejected because the index was already settled",
	}, []string{"chain_id"})

	SettledVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentcore_settled_volume_tokens",
		Help: "Stablecoin volume delivered by settlements per chain, in whole tokens",
	}, []string{"chain", "token"})

	SettlementsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentcore_settlements_forwarded_total",
		Help: "Settlements the hub router forwarded by target chain",
	}, []string{"target_chain"})

	SwapShortfall = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intentcore_swap_shortfall_units",
		Help:    "Shortfall absorbed out of the tip during settlement routing",
		Buckets: prometheus.ExponentialBuckets(1, 10, 8),
	}, []string{"token"})

	RoutingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentcore_routing_errors_total",
		Help: "Total number of settlement routing failures by type",
	}, []string{"error_type"})

	RelayDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentcore_relay_deliveries_total",
		Help: "Relay message deliveries by destination chain and status",
	}, []string{"chain_id", "status"})

	RelayRedeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentcore_relay_redeliveries_total",
		Help: "Duplicate deliveries injected or retried by the relay",
	}, []string{"chain_id"})

	RelayParked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intentcore_relay_parked_total",
		Help: "Deliveries parked after exhausting retry attempts",
	}, []string{"chain_id"})

	RelayQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intentcore_relay_queue_depth",
		Help: "Messages waiting in the relay queue",
	})

	DeliveryTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intentcore_delivery_seconds",
		Help:    "Time from relay send to handler completion",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"chain_id"})
)

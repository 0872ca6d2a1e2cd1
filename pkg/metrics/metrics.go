package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DetermineTimestamp counts timestamp determinations.
	DetermineTimestamp = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clockwork_determine_timestamp_total",
			Help: "Total number of timestamp determinations",
		},
		[]string{"respond_immediately", "isolation_level", "compute_instance"},
	)
	// TimestampDifferenceForStrictSerializable is the gap between a strict
	// serializable timestamp and the serializable timestamp the same query
	// would have received.
	TimestampDifferenceForStrictSerializable = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clockwork_timestamp_difference_for_strict_serializable_ms",
			Help:    "Difference in timestamp in milliseconds for running in strict serializable vs serializable isolation level",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
		[]string{"compute_instance"},
	)
	// WatchSetsPending is the number of installed watch sets that have not fired.
	WatchSetsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clockwork_watch_sets_pending",
			Help: "Number of installed watch sets waiting on a frontier",
		},
	)
	// StorageFrontierUpdates counts consolidated frontier advances.
	StorageFrontierUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clockwork_storage_frontier_updates_total",
			Help: "Total number of consolidated storage frontier advances",
		},
	)
	// StorageProtocolViolations counts shard responses rejected by the
	// consolidator.
	StorageProtocolViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clockwork_storage_protocol_violations_total",
			Help: "Total number of shard responses rejected as protocol violations",
		},
		[]string{"response"},
	)
)

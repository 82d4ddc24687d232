// Package metrics holds the Prometheus collectors for request-context
// propagation. Collectors are registered with the default registry and
// exposed on /-/metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reqscope"

// Spawn modes used as the "mode" label.
const (
	ModeAnywhere = "anywhere"
	ModePinned   = "pinned"
	ModeWrapped  = "wrapped"
)

var (
	// InstancesLive is the number of context instances whose refcount is above zero.
	InstancesLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_live",
			Help:      "Current number of live context instances",
		},
	)

	// InstancesDestroyed counts instances released by their last holder.
	InstancesDestroyed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_destroyed_total",
			Help:      "Total number of context instances destroyed",
		},
	)

	// HandlesCreated counts handles by the operation that produced them.
	HandlesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handles_created_total",
			Help:      "Total number of context handles created",
		},
		[]string{"op"},
	)

	// HandlesLeaked counts handles released by the runtime cleanup instead of Finalize.
	HandlesLeaked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handles_leaked_total",
			Help:      "Total number of handles released by garbage collection instead of Finalize",
		},
	)

	// SpawnsTotal counts propagating spawns by mode and result.
	SpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawns_total",
			Help:      "Total number of propagating spawns",
		},
		[]string{"mode", "result"},
	)

	// OverlaysActive is the number of overlay guards currently open.
	OverlaysActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overlays_active",
			Help:      "Current number of open overlay guards",
		},
	)

	// CarrierMismatches counts capability save/install calls on targets that do not hold context.
	CarrierMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "carrier_mismatches_total",
			Help:      "Total number of context save/install calls on non-holding carriers",
		},
		[]string{"op"},
	)

	// PoolQueueDepth is the number of tasks waiting per pool lane.
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queue_depth",
			Help:      "Current number of queued tasks per lane",
		},
		[]string{"lane"},
	)
)

// RecordSpawn increments the spawn counter for the given mode.
func RecordSpawn(mode string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}

	SpawnsTotal.WithLabelValues(mode, result).Inc()
}

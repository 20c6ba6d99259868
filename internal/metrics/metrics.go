// Package metrics exposes the engine's Prometheus instrumentation. All
// collectors are registered on the default registry at init and served by
// the host's promhttp endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "simswap"
)

var (
	// SwapsTotal counts hot-swap outcomes per module.
	SwapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Total number of hot-swap attempts",
		},
		[]string{"module", "status"}, // status: success/failed/deferred
	)

	// MigrationsTotal counts migration outcomes per strategy.
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Total number of state migrations",
		},
		[]string{"strategy", "status"}, // status: success/failed
	)

	// RollbacksTotal counts rollbacks performed after a failed swap or
	// migration.
	RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Total number of rollbacks performed",
		},
	)

	// CompatCheckDuration measures version compatibility check latency.
	CompatCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compat_check_duration_seconds",
			Help:      "Compatibility check latency in seconds",
			Buckets:   []float64{.000001, .00001, .0001, .001, .01},
		},
	)

	// MigrationDuration measures end-to-end migration latency.
	MigrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_duration_seconds",
			Help:      "End-to-end migration latency in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
	)

	// RegistrySize tracks registered modules.
	RegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_modules",
			Help:      "Number of registered modules",
		},
	)

	// AgentsTotal tracks the agent population per module.
	AgentsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_total",
			Help:      "Agent records held per module",
		},
		[]string{"module"},
	)

	// StateBytes tracks raw and compressed state bytes held by the store.
	StateBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_bytes",
			Help:      "State store memory footprint in bytes",
		},
		[]string{"repr"}, // raw/compressed
	)

	// ValidationsTotal counts integrity validation passes.
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Total number of chunk validation passes",
		},
		[]string{"result"}, // passed/corrupted
	)

	// CheckpointsTotal counts checkpoints written and restored.
	CheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoint operations",
		},
		[]string{"op"}, // create/restore/release
	)

	// Uptime tracks host uptime.
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Host uptime in seconds",
		},
	)
)

// Package metrics defines the Prometheus collectors exported by the NF.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const namespace = "distnat"

var (
	// ACLVerdicts counts ACL outcomes by verdict: admit, drop or bypass
	// (packet had no extractable flow and was admitted unevaluated).
	ACLVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acl",
		Name:      "verdicts_total",
		Help:      "ACL verdicts by outcome.",
	}, []string{"verdict"})

	ACLCacheFlows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "acl",
		Name:      "cached_flows",
		Help:      "Flows currently recorded as established.",
	})

	// NATTranslations counts translate calls by result: hit, new,
	// exhausted, blocked or passthrough.
	NATTranslations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nat",
		Name:      "translations_total",
		Help:      "NAT translation attempts by result.",
	}, []string{"result"})

	NATEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "nat",
		Name:      "entries",
		Help:      "Live translation entries.",
	})

	NATFreePorts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "nat",
		Name:      "pool_free_ports",
		Help:      "Ports available for new translations.",
	})

	NATForeignPorts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "nat",
		Name:      "pool_foreign_ports",
		Help:      "Ports reserved because another instance owns their binding.",
	})

	NATReclaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nat",
		Name:      "reclaimed_total",
		Help:      "Translation entries removed, by reason.",
	}, []string{"reason"})

	// Claims counts coordinator claim outcomes: confirmed, conflict, retry,
	// unconfirmed or overflow (request queue full).
	Claims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "claims_total",
		Help:      "Port claims against the shared store by outcome.",
	}, []string{"result"})

	Releases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "releases_total",
		Help:      "Binding releases against the shared store by outcome.",
	}, []string{"result"})

	KVStoreOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kvstore",
		Name:      "operations_total",
		Help:      "Shared store operations by backend, operation and outcome.",
	}, []string{"backend", "operation", "outcome"})

	KVStoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "kvstore",
		Name:      "operation_duration_seconds",
		Help:      "Shared store operation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"backend", "operation"})

	KVStoreLeaseRenewals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "kvstore",
		Name:      "lease_renewals_total",
		Help:      "Store leases granted again after the previous one was lost.",
	})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	var err error
	for _, c := range []prometheus.Collector{
		ACLVerdicts,
		ACLCacheFlows,
		NATTranslations,
		NATEntries,
		NATFreePorts,
		NATForeignPorts,
		NATReclaimed,
		Claims,
		Releases,
		KVStoreOperations,
		KVStoreLatency,
		KVStoreLeaseRenewals,
	} {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}

// Package metrics defines Prometheus metrics for the connection pool:
// promauto-registered vectors labeled by address (and, for routing,
// database name), so a scrape shows per-target pool shape without any
// extra plumbing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsIdle tracks idle connections per address.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "boltpool_connections_idle",
		Help: "Number of idle pooled connections per address",
	}, []string{"address"})

	// ConnectionsActive tracks in-use connections per address.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "boltpool_connections_active",
		Help: "Number of in-use connections per address",
	}, []string{"address"})

	// ConnectionsReserved tracks in-flight (not yet materialized) opens.
	ConnectionsReserved = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "boltpool_connections_reserved",
		Help: "Number of reserved (in-flight open) connection slots per address",
	}, []string{"address"})

	// AcquireTotal counts acquire outcomes.
	AcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boltpool_acquire_total",
		Help: "Total acquire attempts by outcome",
	}, []string{"outcome"})

	// AcquireWaitSeconds tracks time spent waiting for pool capacity.
	AcquireWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "boltpool_acquire_wait_seconds",
		Help:    "Time spent waiting for a connection to become available",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"address"})

	// DeactivationsTotal counts address deactivations.
	DeactivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boltpool_deactivations_total",
		Help: "Total address deactivations",
	}, []string{"address"})

	// RoutingTableRefreshTotal counts routing-table refresh attempts.
	RoutingTableRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boltpool_routing_table_refresh_total",
		Help: "Total routing-table refresh attempts by outcome",
	}, []string{"database", "outcome"})

	// RoutingTableServers tracks current server counts by role.
	RoutingTableServers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "boltpool_routing_table_servers",
		Help: "Number of servers currently known per role in a database's routing table",
	}, []string{"database", "role"})
)

// Package metrics holds the Prometheus collectors for the service.
package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts memory-entry cache hits.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadkeep_cache_hits_total",
		Help: "Number of memory entry cache hits.",
	})
	// CacheMisses counts memory-entry cache misses.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadkeep_cache_misses_total",
		Help: "Number of memory entry cache misses.",
	})
	// EvictionGroupsTotal counts conversation groups hard-deleted by the
	// eviction sweep.
	EvictionGroupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadkeep_eviction_groups_total",
		Help: "Number of conversation groups hard deleted by the eviction sweep.",
	})
	// MembershipsSweptTotal counts soft-deleted memberships removed by the
	// membership sweep.
	MembershipsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadkeep_memberships_swept_total",
		Help: "Number of expired memberships hard deleted by the membership sweep.",
	})
	// TasksProcessedTotal counts background tasks by outcome.
	TasksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threadkeep_tasks_processed_total",
		Help: "Number of background tasks processed, by outcome.",
	}, []string{"outcome"})
	// EntriesAppendedTotal counts appended entries by channel.
	EntriesAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threadkeep_entries_appended_total",
		Help: "Number of entries appended, by channel.",
	}, []string{"channel"})
	// ResumerReplaysTotal counts response replays served.
	ResumerReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadkeep_resumer_replays_total",
		Help: "Number of in-progress response replays served.",
	})
)

// ObserveDBPool registers gauges over the sql.DB connection pool.
func ObserveDBPool(db *sql.DB) {
	prometheus.DefaultRegisterer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "threadkeep_db_open_connections",
		Help: "Open database connections.",
	}, func() float64 {
		return float64(db.Stats().OpenConnections)
	}))
	prometheus.DefaultRegisterer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "threadkeep_db_in_use_connections",
		Help: "Database connections currently in use.",
	}, func() float64 {
		return float64(db.Stats().InUse)
	}))
	prometheus.DefaultRegisterer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "threadkeep_db_wait_count",
		Help: "Total connections waited for.",
	}, func() float64 {
		return float64(db.Stats().WaitCount)
	}))
}

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheEntriesLoaded counts entries loaded at startup.
	cacheEntriesLoaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "torn_cache_entries_loaded_total",
			Help: "Total cache entries loaded from the durable store",
		},
	)

	// cacheWrites counts entries written to the durable store.
	cacheWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "torn_cache_writes_total",
			Help: "Total cache entries written to the durable store",
		},
	)

	// cacheFlushes counts batched writer flushes.
	cacheFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "torn_cache_flushes_total",
			Help: "Total batched cache flushes",
		},
	)

	// cacheErrors counts cache operation errors.
	cacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torn_cache_errors_total",
			Help: "Total cache operation errors",
		},
		[]string{"operation"}, // "scan", "get", "set", "flush"
	)
)

package geocache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geocache_lookups_total",
		Help: "Cache lookups grouped by cache name and result.",
	}, []string{"cache", "result"})

	cacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geocache_entries",
		Help: "Live entries observed at the last size check.",
	}, []string{"cache"})

	coalescerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coalescer_events_total",
		Help: "Coalescer activity grouped by event (fired, superseded, cancelled).",
	}, []string{"event"})
)

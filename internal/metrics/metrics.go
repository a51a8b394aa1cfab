package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_hits_total",
		Help: "Total number of fetches served from the cache",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_misses_total",
		Help: "Total number of fetches that required a decode",
	})

	Decodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_decodes_total",
		Help: "Total number of image decodes by format",
	}, []string{"format"})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_decode_errors_total",
		Help: "Total number of failed loads or decodes",
	})

	DecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imagecache_decode_duration_seconds",
		Help:    "Duration of image decodes in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_evictions_total",
		Help: "Total number of entries evicted to satisfy capacity",
	})

	ResidentBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imagecache_resident_bytes",
		Help: "Bytes of decoded bitmaps held by the cache, by store",
	}, []string{"store"})

	Entries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imagecache_entries",
		Help: "Number of entries held by the cache, by store",
	}, []string{"store"})

	MemoryPressure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_memory_pressure_total",
		Help: "Memory pressure signals handled, by policy",
	}, []string{"policy"})
)

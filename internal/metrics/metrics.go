package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	retrieves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runbroker",
			Subsystem: "registry",
			Name:      "retrieves_total",
			Help:      "Number of datum payload retrievals.",
		}, []string{"spec"},
	)
	retrieveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "runbroker",
			Subsystem: "registry",
			Name:      "retrieve_duration_seconds",
			Help:      "Time spent resolving a datum and invoking its handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"spec"},
	)
	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runbroker",
			Subsystem: "registry",
			Name:      "cache_hits_total",
			Help:      "Cache hits per registry cache (datum, resource, handler).",
		}, []string{"cache"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runbroker",
			Subsystem: "registry",
			Name:      "cache_misses_total",
			Help:      "Cache misses per registry cache (datum, resource, handler).",
		}, []string{"cache"},
	)
	handlerBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runbroker",
			Subsystem: "registry",
			Name:      "handler_builds_total",
			Help:      "Number of handler instantiations per spec.",
		}, []string{"spec"},
	)
	fills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "runbroker",
			Subsystem: "filler",
			Name:      "fills_total",
			Help:      "Number of external references replaced with payloads.",
		},
	)
	fillRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "runbroker",
			Subsystem: "filler",
			Name:      "retries_total",
			Help:      "Number of fill retries after an unresolvable foreign key.",
		},
	)
	interlacedDocs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runbroker",
			Subsystem: "stream",
			Name:      "interlaced_docs_total",
			Help:      "Documents emitted by the interlacer per kind.",
		}, []string{"kind"},
	)
	partitionsBuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "runbroker",
			Subsystem: "stream",
			Name:      "partitions_built_total",
			Help:      "Number of partitions materialized.",
		},
	)
	cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "runbroker",
			Subsystem: "registry",
			Name:      "cache_entries",
			Help:      "Current number of entries per registry cache.",
		}, []string{"cache"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{retrieves, retrieveDuration, cacheHits, cacheMisses, handlerBuilds, fills, fillRetries, interlacedDocs, partitionsBuilt, cacheEntries}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				_ = are // keep existing
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncRetrieve(spec string) {
	if regOK.Load() {
		retrieves.WithLabelValues(spec).Inc()
	}
}
func ObserveRetrieveDuration(spec string, seconds float64) {
	if regOK.Load() {
		retrieveDuration.WithLabelValues(spec).Observe(seconds)
	}
}
func IncCacheHit(cache string) {
	if regOK.Load() {
		cacheHits.WithLabelValues(cache).Inc()
	}
}
func IncCacheMiss(cache string) {
	if regOK.Load() {
		cacheMisses.WithLabelValues(cache).Inc()
	}
}
func IncHandlerBuild(spec string) {
	if regOK.Load() {
		handlerBuilds.WithLabelValues(spec).Inc()
	}
}
func IncFill() {
	if regOK.Load() {
		fills.Inc()
	}
}
func IncFillRetry() {
	if regOK.Load() {
		fillRetries.Inc()
	}
}
func IncInterlaced(kind string) {
	if regOK.Load() {
		interlacedDocs.WithLabelValues(kind).Inc()
	}
}
func IncPartitionBuilt() {
	if regOK.Load() {
		partitionsBuilt.Inc()
	}
}
func SetCacheEntries(cache string, n int) {
	if regOK.Load() {
		cacheEntries.WithLabelValues(cache).Set(float64(n))
	}
}

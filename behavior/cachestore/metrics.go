package cachestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_cache_lookups",
	Help: "Number of cache fetches, by cache name and result (hit, miss, or error)",
}, []string{"name", "result"})

func countLookup(name string, cached bool, err error) {
	switch {
	case err != nil:
		cacheLookups.WithLabelValues(name, "error").Inc()
	case cached:
		cacheLookups.WithLabelValues(name, "hit").Inc()
	default:
		cacheLookups.WithLabelValues(name, "miss").Inc()
	}
}

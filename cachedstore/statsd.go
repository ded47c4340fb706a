// Prometheus-exported counters for one CachedMetadataStore, named per
// spec.md §4.3's written_clusters/discarded_clusters/hits/misses/num_pages
// state. One Stats is created per volume's Store; metrics carry a
// namespace label so many volumes can share a process's registry.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package cachedstore

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	writtenClustersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govoldrv",
		Subsystem: "cachedstore",
		Name:      "written_clusters_total",
		Help:      "Clusters written to the backend across all uncorks.",
	}, []string{"volume"})

	discardedClustersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govoldrv",
		Subsystem: "cachedstore",
		Name:      "discarded_clusters_total",
		Help:      "Clusters discarded from the backend across all uncorks.",
	}, []string{"volume"})

	cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govoldrv",
		Subsystem: "cachedstore",
		Name:      "cache_hits_total",
		Help:      "read_cluster calls satisfied by a cork or cached page.",
	}, []string{"volume"})

	cacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govoldrv",
		Subsystem: "cachedstore",
		Name:      "cache_misses_total",
		Help:      "read_cluster calls that had to load a page from the backend.",
	}, []string{"volume"})

	numPagesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "govoldrv",
		Subsystem: "cachedstore",
		Name:      "num_pages",
		Help:      "Pages currently resident in the cache.",
	}, []string{"volume"})
)

func init() {
	prometheus.MustRegister(writtenClustersTotal, discardedClustersTotal, cacheHitsTotal, cacheMissesTotal, numPagesGauge)
}

// stats holds the in-process counters mirrored into the vectors above;
// kept as plain atomics so Stats() can be read lock-free.
type stats struct {
	written   atomic.Int64
	discarded atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	volume    string
}

func newStats(volume string) *stats { return &stats{volume: volume} }

func (s *stats) addWritten(n int64) {
	s.written.Add(n)
	writtenClustersTotal.WithLabelValues(s.volume).Add(float64(n))
}

func (s *stats) addDiscarded(n int64) {
	s.discarded.Add(n)
	discardedClustersTotal.WithLabelValues(s.volume).Add(float64(n))
}

func (s *stats) hit() {
	s.hits.Add(1)
	cacheHitsTotal.WithLabelValues(s.volume).Inc()
}

func (s *stats) miss() {
	s.misses.Add(1)
	cacheMissesTotal.WithLabelValues(s.volume).Inc()
}

func (s *stats) setNumPages(n int) {
	numPagesGauge.WithLabelValues(s.volume).Set(float64(n))
}

// Stats is the point-in-time snapshot returned by Store.Stats.
type Stats struct {
	WrittenClusters   int64
	DiscardedClusters int64
	Hits              int64
	Misses            int64
	NumPages          int
}

// Package metrics exposes the engine's Bitmap Cache and Result Cache
// statistics as process metrics for external scraping, alongside a counter
// for Writer CAS retries. Store statistics are not exported as metrics. The caller owns and scrapes the prometheus.Registry;
// components only register collectors into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/adamzwasserman/multicardz-sub007/internal/cache"
	"github.com/adamzwasserman/multicardz-sub007/internal/resultcache"
)

// Metrics registers the engine's cache gauges and CAS retry counter into a
// caller-owned prometheus.Registry.
type Metrics struct {
	bitmapCacheHits      prometheus.Gauge
	bitmapCacheMisses    prometheus.Gauge
	bitmapCacheEvictions prometheus.Gauge
	bitmapCacheBytes     prometheus.Gauge

	resultCacheHits   prometheus.Gauge
	resultCacheMisses prometheus.Gauge

	casRetries prometheus.Counter
}

// New registers the engine's collectors into reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		bitmapCacheHits:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "tfe", Subsystem: "bitmap_cache", Name: "hits"}),
		bitmapCacheMisses:    prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "tfe", Subsystem: "bitmap_cache", Name: "misses"}),
		bitmapCacheEvictions: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "tfe", Subsystem: "bitmap_cache", Name: "evictions"}),
		bitmapCacheBytes:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "tfe", Subsystem: "bitmap_cache", Name: "bytes_used"}),
		resultCacheHits:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "tfe", Subsystem: "result_cache", Name: "hits"}),
		resultCacheMisses:    prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "tfe", Subsystem: "result_cache", Name: "misses"}),
		casRetries:           prometheus.NewCounter(prometheus.CounterOpts{Namespace: "tfe", Subsystem: "writer", Name: "cas_retries_total"}),
	}
	reg.MustRegister(m.bitmapCacheHits, m.bitmapCacheMisses, m.bitmapCacheEvictions, m.bitmapCacheBytes,
		m.resultCacheHits, m.resultCacheMisses, m.casRetries)
	return m
}

// ObserveBitmapCache sets the bitmap cache gauges from a Stats snapshot.
func (m *Metrics) ObserveBitmapCache(s cache.Stats) {
	m.bitmapCacheHits.Set(float64(s.Hits))
	m.bitmapCacheMisses.Set(float64(s.Misses))
	m.bitmapCacheEvictions.Set(float64(s.Evictions))
	m.bitmapCacheBytes.Set(float64(s.MemoryUsed))
}

// ObserveResultCache sets the result cache gauges from a Stats snapshot.
func (m *Metrics) ObserveResultCache(s resultcache.Stats) {
	m.resultCacheHits.Set(float64(s.Hits))
	m.resultCacheMisses.Set(float64(s.Misses))
}

// IncCASRetry records one Writer CAS retry.
func (m *Metrics) IncCASRetry() {
	m.casRetries.Inc()
}

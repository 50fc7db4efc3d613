package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matijazezelj/graphcore/pkg/models"
)

// Collector exports partition sizes and hit counters to prometheus.
type Collector struct {
	cache *Cache

	size     *prometheus.Desc
	capacity *prometheus.Desc
	hits     *prometheus.Desc
	misses   *prometheus.Desc
}

// NewCollector returns a collector reading from c on every scrape.
func NewCollector(c *Cache) *Collector {
	labels := []string{"kind"}
	return &Collector{
		cache:    c,
		size:     prometheus.NewDesc("graphcore_cache_entries", "Number of cached entity handles.", labels, nil),
		capacity: prometheus.NewDesc("graphcore_cache_capacity", "Configured partition capacity.", labels, nil),
		hits:     prometheus.NewDesc("graphcore_cache_hits_total", "Identity map lookups served from cache.", labels, nil),
		misses:   prometheus.NewDesc("graphcore_cache_misses_total", "Identity map lookups that missed.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.capacity
	ch <- c.hits
	ch <- c.misses
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, kind := range []models.Kind{models.KindNode, models.KindRelationship} {
		info := c.cache.Info(kind)
		label := kind.String()
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(info.Size), label)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(info.Capacity), label)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(info.Hits), label)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(info.Misses), label)
	}
}

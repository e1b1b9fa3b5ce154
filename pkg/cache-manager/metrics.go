package cache_manager

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// All counters are held in an array of uint64s accessed atomically. The
	// names below index into it, which keeps Stats and the prometheus
	// collector iterating the same list.
	metrics = []struct{ name, help string }{
		{"hits", "Get calls that returned a value."},
		{"misses", "Get calls that found nothing usable."},
		{"l1_hits", "Values served from L1."},
		{"l2_hits", "Values served from L2."},
		{"l1_warmups", "L1 entries populated from an L2 hit."},
		{"decode_misses", "Stored payloads that decoded to no value."},
		{"sets", "Successful Set calls."},
		{"deletes", "Successful Delete calls."},
		{"async_failures", "SetAsync and DeleteAsync writes that failed."},
		{"invalidations_received", "L1 evictions triggered by another process."},
	}

	metricIDs  map[string]int
	numMetrics int
)

func init() {
	numMetrics = len(metrics)
	metricIDs = make(map[string]int, numMetrics)
	for i, m := range metrics {
		metricIDs[m.name] = i
	}
}

type counters struct {
	vals []atomic.Uint64
}

func newCounters() *counters {
	return &counters{vals: make([]atomic.Uint64, numMetrics)}
}

func (c *counters) incr(name string) {
	id, ok := metricIDs[name]
	if !ok {
		panic("invalid metric name: " + name)
	}
	c.vals[id].Add(1)
}

func (c *counters) snapshot() map[string]uint64 {
	m := make(map[string]uint64, numMetrics)
	for i, def := range metrics {
		m[def.name] = c.vals[i].Load()
	}
	return m
}

// Stats returns the counters accumulated since the cache was built. The
// result is agnostic of any metrics library.
func (m *MultiLevelCache) Stats() map[string]uint64 {
	return m.counters.snapshot()
}

// Collector exports the counters of a MultiLevelCache to prometheus.
type Collector struct {
	cache *MultiLevelCache
	descs []*prometheus.Desc
}

// NewCollector returns a prometheus collector reading m's counters. Metric
// names are prefixed with namespace and carry the cache mode as a constant
// label, so caches with different modes can share a registry.
func NewCollector(namespace string, m *MultiLevelCache) *Collector {
	c := &Collector{cache: m, descs: make([]*prometheus.Desc, numMetrics)}
	labels := prometheus.Labels{"mode": m.mode.String()}
	for i, def := range metrics {
		c.descs[i] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", def.name+"_total"),
			def.help, nil, labels)
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for i := range metrics {
		ch <- prometheus.MustNewConstMetric(c.descs[i], prometheus.CounterValue,
			float64(c.cache.counters.vals[i].Load()))
	}
}

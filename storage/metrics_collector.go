package storage

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "pagecache"

// MetricsCollector exports a buffer pool's Metrics and frame occupancy to Prometheus.
// Values are read at scrape time.
type MetricsCollector struct {
	bpm *BufferPoolManager

	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	evictions        *prometheus.Desc
	dirtyFlushes     *prometheus.Desc
	pageReads        *prometheus.Desc
	pageWrites       *prometheus.Desc
	allocations      *prometheus.Desc
	deletions        *prometheus.Desc
	frames           *prometheus.Desc
	fetchLatencyMean *prometheus.Desc
}

// NewMetricsCollector creates a collector for bpm
func NewMetricsCollector(bpm *BufferPoolManager) *MetricsCollector {
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil)
	}

	return &MetricsCollector{
		bpm:          bpm,
		cacheHits:    counter("cache_hits_total", "Page fetches served from a resident frame."),
		cacheMisses:  counter("cache_misses_total", "Page fetches that had to read from disk."),
		evictions:    counter("evictions_total", "Frames reclaimed from the replacer."),
		dirtyFlushes: counter("dirty_evictions_total", "Evicted frames written back before reuse."),
		pageReads:    counter("page_reads_total", "Pages read from the disk backend."),
		pageWrites:   counter("page_writes_total", "Pages written to the disk backend."),
		allocations:  counter("page_allocations_total", "Pages created with NewPage."),
		deletions:    counter("page_deletions_total", "Pages removed with DeletePage."),
		frames: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "pool", "frames"),
			"Buffer pool frames by state.",
			[]string{"state"}, nil,
		),
		fetchLatencyMean: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "fetch", "latency_mean_seconds"),
			"Mean FetchPage latency over the retained samples.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.evictions
	ch <- c.dirtyFlushes
	ch <- c.pageReads
	ch <- c.pageWrites
	ch <- c.allocations
	ch <- c.deletions
	ch <- c.frames
	ch <- c.fetchLatencyMean
}

// Collect implements prometheus.Collector
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.bpm.GetMetrics()

	counters := []struct {
		desc  *prometheus.Desc
		value uint64
	}{
		{c.cacheHits, m.GetCacheHits()},
		{c.cacheMisses, m.GetCacheMisses()},
		{c.evictions, m.GetPageEvictions()},
		{c.dirtyFlushes, m.GetDirtyPageFlushes()},
		{c.pageReads, m.GetPageReads()},
		{c.pageWrites, m.GetPageWrites()},
		{c.allocations, m.GetPageAllocations()},
		{c.deletions, m.GetPageDeletions()},
	}
	for _, ctr := range counters {
		ch <- prometheus.MustNewConstMetric(ctr.desc, prometheus.CounterValue, float64(ctr.value))
	}

	free := c.bpm.FreeFrameCount()
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.GaugeValue, float64(c.bpm.GetCapacity()-free), "resident")
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.GaugeValue, float64(free), "free")
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.GaugeValue, float64(c.bpm.GetDirtyPageCount()), "dirty")
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.GaugeValue, float64(c.bpm.EvictableCount()), "evictable")

	// histogram samples are microseconds
	ch <- prometheus.MustNewConstMetric(c.fetchLatencyMean, prometheus.GaugeValue, m.GetPageFetchLatency().Mean/1e6)
}

// MetricsHandler returns an HTTP handler serving bpm's metrics from a dedicated registry
func MetricsHandler(bpm *BufferPoolManager) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewMetricsCollector(bpm)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

package storage

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// defaultHistogramSamples is how many latency samples a histogram retains
const defaultHistogramSamples = 10000

// Histogram keeps the most recent latency samples (microseconds) in a ring
type Histogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// NewHistogram creates a histogram retaining at most maxSize samples
func NewHistogram(maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = defaultHistogramSamples
	}
	return &Histogram{samples: make([]float64, maxSize)}
}

// Record adds a latency sample, overwriting the oldest one when full
func (h *Histogram) Record(latencyUs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.next] = latencyUs
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
}

// values returns a copy of the retained samples. Caller holds mu.
func (h *Histogram) values() []float64 {
	if h.full {
		return slices.Clone(h.samples)
	}
	return slices.Clone(h.samples[:h.next])
}

// Count returns the number of retained samples
func (h *Histogram) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.samples)
	}
	return h.next
}

// Percentile returns the p-th percentile (0-100) with linear interpolation
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	vals := h.values()
	h.mu.Unlock()

	slices.Sort(vals)
	return percentileOf(vals, p)
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Reset clears all samples
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = 0
	h.full = false
}

// HistogramSnapshot holds summary statistics of a histogram
type HistogramSnapshot struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
	P50   float64
	P95   float64
	P99   float64
	P999  float64
}

// Snapshot computes all statistics from one consistent copy of the samples
func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	vals := h.values()
	h.mu.Unlock()

	if len(vals) == 0 {
		return HistogramSnapshot{}
	}
	slices.Sort(vals)

	sum := 0.0
	for _, v := range vals {
		sum += v
	}

	return HistogramSnapshot{
		Count: len(vals),
		Min:   vals[0],
		Max:   vals[len(vals)-1],
		Mean:  sum / float64(len(vals)),
		P50:   percentileOf(vals, 50),
		P95:   percentileOf(vals, 95),
		P99:   percentileOf(vals, 99),
		P999:  percentileOf(vals, 99.9),
	}
}

// Metrics counts buffer pool activity
type Metrics struct {
	cacheHits        atomic.Uint64
	cacheMisses      atomic.Uint64
	pageEvictions    atomic.Uint64
	dirtyPageFlushes atomic.Uint64
	pageReads        atomic.Uint64
	pageWrites       atomic.Uint64
	pageAllocations  atomic.Uint64
	pageDeletions    atomic.Uint64

	// Latency histograms (microseconds)
	pageFetchLatency *Histogram
	pageFlushLatency *Histogram

	mu        sync.RWMutex
	startTime time.Time
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:        time.Now(),
		pageFetchLatency: NewHistogram(defaultHistogramSamples),
		pageFlushLatency: NewHistogram(defaultHistogramSamples),
	}
}

func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

func (m *Metrics) RecordPageEviction() {
	m.pageEvictions.Add(1)
}

// RecordDirtyPageFlush counts a dirty victim written back before its frame was reused
func (m *Metrics) RecordDirtyPageFlush() {
	m.dirtyPageFlushes.Add(1)
}

func (m *Metrics) RecordPageRead() {
	m.pageReads.Add(1)
}

func (m *Metrics) RecordPageWrite() {
	m.pageWrites.Add(1)
}

func (m *Metrics) RecordPageAllocation() {
	m.pageAllocations.Add(1)
}

func (m *Metrics) RecordPageDeletion() {
	m.pageDeletions.Add(1)
}

// RecordPageFetchLatency records the latency of a page fetch operation
func (m *Metrics) RecordPageFetchLatency(duration time.Duration) {
	m.pageFetchLatency.Record(float64(duration.Microseconds()))
}

// RecordPageFlushLatency records the latency of a page flush operation
func (m *Metrics) RecordPageFlushLatency(duration time.Duration) {
	m.pageFlushLatency.Record(float64(duration.Microseconds()))
}

func (m *Metrics) GetCacheHits() uint64 {
	return m.cacheHits.Load()
}

func (m *Metrics) GetCacheMisses() uint64 {
	return m.cacheMisses.Load()
}

// GetCacheHitRate returns hits / (hits + misses), or 0 without any fetch
func (m *Metrics) GetCacheHitRate() float64 {
	hits := m.cacheHits.Load()
	total := hits + m.cacheMisses.Load()
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

func (m *Metrics) GetPageEvictions() uint64 {
	return m.pageEvictions.Load()
}

func (m *Metrics) GetDirtyPageFlushes() uint64 {
	return m.dirtyPageFlushes.Load()
}

func (m *Metrics) GetPageReads() uint64 {
	return m.pageReads.Load()
}

func (m *Metrics) GetPageWrites() uint64 {
	return m.pageWrites.Load()
}

func (m *Metrics) GetPageAllocations() uint64 {
	return m.pageAllocations.Load()
}

func (m *Metrics) GetPageDeletions() uint64 {
	return m.pageDeletions.Load()
}

func (m *Metrics) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}

// GetPageFetchLatency returns snapshot of page fetch latency distribution
func (m *Metrics) GetPageFetchLatency() HistogramSnapshot {
	return m.pageFetchLatency.Snapshot()
}

// GetPageFlushLatency returns snapshot of page flush latency distribution
func (m *Metrics) GetPageFlushLatency() HistogramSnapshot {
	return m.pageFlushLatency.Snapshot()
}

// LogMetrics writes all metrics as one structured log entry
func (m *Metrics) LogMetrics(logger *zap.Logger) {
	fetch := m.GetPageFetchLatency()
	flush := m.GetPageFlushLatency()

	logger.Info("buffer pool metrics",
		zap.Duration("uptime", m.GetUptime()),
		zap.Dict("buffer_pool",
			zap.Uint64("cache_hits", m.GetCacheHits()),
			zap.Uint64("cache_misses", m.GetCacheMisses()),
			zap.Float64("cache_hit_rate", m.GetCacheHitRate()),
			zap.Uint64("page_evictions", m.GetPageEvictions()),
			zap.Uint64("dirty_page_flushes", m.GetDirtyPageFlushes()),
			zap.Uint64("allocations", m.GetPageAllocations()),
			zap.Uint64("deletions", m.GetPageDeletions()),
		),
		zap.Dict("disk",
			zap.Uint64("reads", m.GetPageReads()),
			zap.Uint64("writes", m.GetPageWrites()),
		),
		zap.Namespace("latency_us"),
		zap.Dict("page_fetch",
			zap.Int("count", fetch.Count),
			zap.Float64("mean", fetch.Mean),
			zap.Float64("p50", fetch.P50),
			zap.Float64("p95", fetch.P95),
			zap.Float64("p99", fetch.P99),
		),
		zap.Dict("page_flush",
			zap.Int("count", flush.Count),
			zap.Float64("mean", flush.Mean),
			zap.Float64("p95", flush.P95),
			zap.Float64("p99", flush.P99),
		),
	)
}

// Reset zeroes all counters and histograms
func (m *Metrics) Reset() {
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.pageEvictions.Store(0)
	m.dirtyPageFlushes.Store(0)
	m.pageReads.Store(0)
	m.pageWrites.Store(0)
	m.pageAllocations.Store(0)
	m.pageDeletions.Store(0)

	m.pageFetchLatency.Reset()
	m.pageFlushLatency.Reset()

	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
}

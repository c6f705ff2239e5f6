package storage

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPrefetchThreshold = 3
	defaultPrefetchDistance  = 8
	prefetchQueueDepth       = 64
	patternHistorySize       = 10
	patternIdleTimeout       = time.Second
	patternStaleAfter        = 5 * time.Second
	prefetchMinConfidence    = 0.6
)

// accessPattern is the stride detector state of one access stream
type accessPattern struct {
	lastPageID PageID
	stride     int64
	count      int
	confidence float64
	lastAccess time.Time
	history    []PageID
}

func newAccessPattern(pageID PageID, now time.Time) *accessPattern {
	return &accessPattern{lastPageID: pageID, count: 1, lastAccess: now, history: []PageID{pageID}}
}

// PrefetchStats tracks prefetching effectiveness
type PrefetchStats struct {
	PatternsDetected  uint64
	PagesPrefetched   uint64
	PrefetchSkipped   uint64 // already resident or never allocated
	PrefetchFailed    uint64
	PrefetchQueueFull uint64
	StridesDetected   uint64 // patterns with a stride other than +1/-1
	AvgConfidence     float64
}

type prefetchRun struct {
	start  PageID
	stride int64
	count  int
}

// Prefetcher detects strided page accesses per stream and reads the following pages
// into the buffer pool ahead of use. Prefetched pages are left unpinned and evictable.
//
// Streams are identified by a caller chosen id, e.g. one per scan or per transaction.
// Loading happens on a single worker goroutine; when its queue is full new runs are dropped.
type Prefetcher struct {
	bpm    *BufferPoolManager
	logger *zap.Logger

	mu                 sync.Mutex
	patterns           map[uint64]*accessPattern
	detectionThreshold int
	prefetchDistance   int
	enabled            bool
	closed             bool
	stats              PrefetchStats

	queue chan prefetchRun
	wg    sync.WaitGroup
}

// NewPrefetcher creates a prefetcher for bpm and starts its worker
func NewPrefetcher(bpm *BufferPoolManager, logger *zap.Logger) *Prefetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Prefetcher{
		bpm:                bpm,
		logger:             logger,
		patterns:           make(map[uint64]*accessPattern),
		detectionThreshold: defaultPrefetchThreshold,
		prefetchDistance:   defaultPrefetchDistance,
		enabled:            true,
		queue:              make(chan prefetchRun, prefetchQueueDepth),
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

// Configure sets how many matching accesses trigger a prefetch and how far ahead it reads.
// Non-positive values keep the current setting.
func (p *Prefetcher) Configure(detectionThreshold, prefetchDistance int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if detectionThreshold > 0 {
		p.detectionThreshold = detectionThreshold
	}
	if prefetchDistance > 0 {
		p.prefetchDistance = prefetchDistance
	}
}

// SetEnabled turns pattern tracking on or off
func (p *Prefetcher) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// RecordAccess feeds one page access of stream streamID into the stride detector
func (p *Prefetcher) RecordAccess(streamID uint64, pageID PageID) {
	if pageID == InvalidPageID {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled || p.closed {
		return
	}

	now := time.Now()
	pattern, ok := p.patterns[streamID]
	if !ok || now.Sub(pattern.lastAccess) > patternIdleTimeout {
		p.patterns[streamID] = newAccessPattern(pageID, now)
		return
	}

	stride := int64(pageID) - int64(pattern.lastPageID)
	if stride == 0 {
		// repeated access to the same page says nothing about direction
		pattern.lastAccess = now
		return
	}

	pattern.history = append(pattern.history, pageID)
	if len(pattern.history) > patternHistorySize {
		pattern.history = pattern.history[1:]
	}

	switch {
	case pattern.stride == 0:
		pattern.stride = stride
		pattern.count = 2
		pattern.confidence = 0.5
	case pattern.stride == stride:
		pattern.count++
		pattern.confidence = pattern.consistency()
	case pattern.confidence <= 0.8 && (len(pattern.history) < 3 || pattern.strideSeen(stride) >= 2):
		pattern.stride = stride
		pattern.count = 2
		pattern.confidence = 0.3
	default:
		*pattern = *newAccessPattern(pageID, now)
		return
	}

	pattern.lastPageID = pageID
	pattern.lastAccess = now

	if pattern.count >= p.detectionThreshold && pattern.confidence >= prefetchMinConfidence {
		p.triggerLocked(pattern)
	}
}

// consistency weighs how many recent strides match against how long the run has been
func (a *accessPattern) consistency() float64 {
	base := min(float64(a.count)/10.0, 1.0)
	if len(a.history) < 3 {
		return base
	}
	return 0.7*float64(a.strideSeen(a.stride))/float64(len(a.history)-1) + 0.3*base
}

// strideSeen counts consecutive history entries that are stride apart
func (a *accessPattern) strideSeen(stride int64) int {
	n := 0
	for i := 1; i < len(a.history); i++ {
		if int64(a.history[i])-int64(a.history[i-1]) == stride {
			n++
		}
	}
	return n
}

func (p *Prefetcher) triggerLocked(pattern *accessPattern) {
	p.stats.PatternsDetected++
	if pattern.stride != 1 && pattern.stride != -1 {
		p.stats.StridesDetected++
	}
	if p.stats.PatternsDetected == 1 {
		p.stats.AvgConfidence = pattern.confidence
	} else {
		p.stats.AvgConfidence = 0.1*pattern.confidence + 0.9*p.stats.AvgConfidence
	}

	next := int64(pattern.lastPageID) + pattern.stride
	if next < 0 || next >= int64(InvalidPageID) {
		return
	}

	run := prefetchRun{
		start:  PageID(next),
		stride: pattern.stride,
		count:  max(int(float64(p.prefetchDistance)*pattern.confidence), 2),
	}
	select {
	case p.queue <- run:
	default:
		p.stats.PrefetchQueueFull++
	}
}

func (p *Prefetcher) worker() {
	defer p.wg.Done()
	for run := range p.queue {
		p.prefetch(run)
	}
}

func (p *Prefetcher) prefetch(run prefetchRun) {
	var loaded, skipped uint64
	for i := 0; i < run.count; i++ {
		id := int64(run.start) + int64(i)*run.stride
		if id < 0 || id >= int64(InvalidPageID) {
			break
		}

		ok, err := p.bpm.Prefetch(PageID(id))
		if err != nil {
			// no evictable frame or a failed read; the rest of the run would fail the same way
			p.logger.Debug("prefetch stopped", zap.Int64("page_id", id), zap.Error(err))
			p.mu.Lock()
			p.stats.PrefetchFailed++
			p.mu.Unlock()
			break
		}
		if ok {
			loaded++
		} else {
			skipped++
		}
	}

	p.mu.Lock()
	p.stats.PagesPrefetched += loaded
	p.stats.PrefetchSkipped += skipped
	p.mu.Unlock()
}

// ClearPattern forgets the state of one stream, e.g. when a scan ends
func (p *Prefetcher) ClearPattern(streamID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.patterns, streamID)
}

// Cleanup forgets streams idle for longer than five seconds
func (p *Prefetcher) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for id, pattern := range p.patterns {
		if now.Sub(pattern.lastAccess) > patternStaleAfter {
			delete(p.patterns, id)
		}
	}
}

// GetStats returns current prefetching statistics
func (p *Prefetcher) GetStats() PrefetchStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ResetStats zeroes the statistics
func (p *Prefetcher) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = PrefetchStats{}
}

// Close stops accepting accesses and waits for queued runs to finish. It is idempotent.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// AdaptiveFlusher writes dirty, unpinned pages back in the background so that eviction
// rarely has to flush a victim synchronously.
//
// Every CheckInterval it compares the pool's dirty ratio against TargetDirtyRatio and
// feeds the error through a PID controller to size the next batch. Above MaxDirtyRatio
// it always flushes MaxFlushPages.

// FlushableBufferPool is the interface required by adaptive flusher
type FlushableBufferPool interface {
	GetDirtyPageCount() int
	GetCapacity() int
	GetDirtyPages(maxPages int) []PageID
	FlushPage(pageID PageID) error
}

// AdaptiveFlushConfig contains configuration for adaptive flushing
type AdaptiveFlushConfig struct {
	// Target dirty page ratio (0.0 - 1.0)
	TargetDirtyRatio float64
	// Dirty ratio at which every cycle flushes MaxFlushPages
	MaxDirtyRatio float64

	CheckInterval time.Duration
	MinFlushPages int
	MaxFlushPages int

	// PID controller gains
	Kp float64
	Ki float64
	Kd float64
}

// AdaptiveFlushStats contains statistics about adaptive flushing
type AdaptiveFlushStats struct {
	FlushesIssued  uint64
	PagesFlushed   uint64
	FlushErrors    uint64
	CurrentRate    float64 // Pages per cycle
	DirtyRatio     float64
	AvgFlushTime   time.Duration
	LastAdjustment time.Time
}

// DefaultAdaptiveFlushConfig returns default configuration
func DefaultAdaptiveFlushConfig() AdaptiveFlushConfig {
	return AdaptiveFlushConfig{
		TargetDirtyRatio: 0.30,
		MaxDirtyRatio:    0.70,
		CheckInterval:    100 * time.Millisecond,
		MinFlushPages:    1,
		MaxFlushPages:    100,
		Kp:               2.0,
		Ki:               0.5,
		Kd:               0.1,
	}
}

// AdaptiveFlushConfigFrom derives the flusher settings from a page cache Config
func AdaptiveFlushConfigFrom(cfg *Config) (AdaptiveFlushConfig, error) {
	interval, err := cfg.GetFlushInterval()
	if err != nil {
		return AdaptiveFlushConfig{}, err
	}

	fc := DefaultAdaptiveFlushConfig()
	fc.TargetDirtyRatio = cfg.TargetDirtyRatio
	fc.MaxDirtyRatio = cfg.MaxDirtyRatio
	fc.CheckInterval = interval
	fc.MinFlushPages = cfg.MinFlushPages
	fc.MaxFlushPages = cfg.MaxFlushPages
	return fc, nil
}

// AdaptiveFlusher is the background dirty page writer
type AdaptiveFlusher struct {
	bufferPool FlushableBufferPool
	logger     *zap.Logger

	running       atomic.Bool
	flushesIssued atomic.Uint64
	pagesFlushed  atomic.Uint64
	flushErrors   atomic.Uint64

	// mu protects config, the controller state and stats
	mu            sync.Mutex
	config        AdaptiveFlushConfig
	integral      float64
	lastError     float64
	lastFlushRate float64
	stats         AdaptiveFlushStats

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAdaptiveFlusher creates a stopped flusher. Out of range settings fall back to defaults.
func NewAdaptiveFlusher(bp FlushableBufferPool, config AdaptiveFlushConfig, logger *zap.Logger) *AdaptiveFlusher {
	defaults := DefaultAdaptiveFlushConfig()
	if config.TargetDirtyRatio <= 0 || config.TargetDirtyRatio >= 1 {
		config.TargetDirtyRatio = defaults.TargetDirtyRatio
	}
	if config.MaxDirtyRatio <= config.TargetDirtyRatio || config.MaxDirtyRatio > 1 {
		config.MaxDirtyRatio = max(defaults.MaxDirtyRatio, config.TargetDirtyRatio+(1-config.TargetDirtyRatio)/2)
	}
	if config.CheckInterval < time.Millisecond {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.MinFlushPages <= 0 {
		config.MinFlushPages = defaults.MinFlushPages
	}
	if config.MaxFlushPages < config.MinFlushPages {
		config.MaxFlushPages = config.MinFlushPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AdaptiveFlusher{
		bufferPool:    bp,
		logger:        logger,
		config:        config,
		lastFlushRate: float64(config.MinFlushPages),
	}
}

// Start launches the background loop
func (af *AdaptiveFlusher) Start() error {
	if !af.running.CompareAndSwap(false, true) {
		return fmt.Errorf("adaptive flusher already running")
	}

	af.stopCh = make(chan struct{})
	af.doneCh = make(chan struct{})
	go af.flushLoop(af.GetConfig().CheckInterval, af.stopCh, af.doneCh)

	af.logger.Debug("adaptive flusher started")
	return nil
}

// Stop stops the background loop and waits for the current cycle to finish
func (af *AdaptiveFlusher) Stop() error {
	if !af.running.Load() {
		return nil
	}

	close(af.stopCh)
	<-af.doneCh
	af.running.Store(false)

	af.logger.Debug("adaptive flusher stopped",
		zap.Uint64("pages_flushed", af.pagesFlushed.Load()),
		zap.Uint64("flush_errors", af.flushErrors.Load()))
	return nil
}

func (af *AdaptiveFlusher) flushLoop(interval time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			af.performAdaptiveFlush()
		}
	}
}

// performAdaptiveFlush performs one iteration of adaptive flushing
func (af *AdaptiveFlusher) performAdaptiveFlush() {
	totalPages := af.bufferPool.GetCapacity()
	if totalPages == 0 {
		return
	}
	dirtyRatio := float64(af.bufferPool.GetDirtyPageCount()) / float64(totalPages)

	flushPages := af.calculateFlushRate(dirtyRatio)
	if flushPages <= 0 {
		return
	}

	start := time.Now()
	flushed := af.flushDirtyPages(flushPages)
	elapsed := time.Since(start)

	af.flushesIssued.Add(1)

	af.mu.Lock()
	af.stats.FlushesIssued = af.flushesIssued.Load()
	af.stats.PagesFlushed = af.pagesFlushed.Load()
	af.stats.FlushErrors = af.flushErrors.Load()
	af.stats.CurrentRate = af.lastFlushRate
	af.stats.DirtyRatio = dirtyRatio
	af.stats.LastAdjustment = time.Now()

	// exponential moving average
	if af.stats.AvgFlushTime == 0 {
		af.stats.AvgFlushTime = elapsed
	} else {
		af.stats.AvgFlushTime = time.Duration(0.9*float64(af.stats.AvgFlushTime) + 0.1*float64(elapsed))
	}
	af.mu.Unlock()

	af.logger.Debug("adaptive flush cycle",
		zap.Float64("dirty_ratio", dirtyRatio),
		zap.Int("budget", flushPages),
		zap.Int("flushed", flushed),
		zap.Duration("elapsed", elapsed))
}

// calculateFlushRate returns the page budget for this cycle; 0 below the target ratio
func (af *AdaptiveFlusher) calculateFlushRate(dirtyRatio float64) int {
	af.mu.Lock()
	defer af.mu.Unlock()

	cfg := af.config
	errTerm := dirtyRatio - cfg.TargetDirtyRatio

	// anti-windup
	const maxIntegral = 10.0
	af.integral = min(max(af.integral+errTerm, -maxIntegral), maxIntegral)

	derivative := errTerm - af.lastError
	af.lastError = errTerm

	pidOutput := cfg.Kp*errTerm + cfg.Ki*af.integral + cfg.Kd*derivative
	if dirtyRatio >= cfg.MaxDirtyRatio {
		pidOutput = float64(cfg.MaxFlushPages)
	}

	minPages := float64(cfg.MinFlushPages)
	maxPages := float64(cfg.MaxFlushPages)
	flushRate := min(max(minPages+pidOutput*(maxPages-minPages), minPages), maxPages)

	if dirtyRatio < cfg.TargetDirtyRatio {
		flushRate = 0
	}

	af.lastFlushRate = flushRate
	return int(flushRate)
}

// flushDirtyPages flushes up to maxPages dirty unpinned pages and returns how many succeeded
func (af *AdaptiveFlusher) flushDirtyPages(maxPages int) int {
	flushed := 0

	for _, pageID := range af.bufferPool.GetDirtyPages(maxPages) {
		if err := af.bufferPool.FlushPage(pageID); err != nil {
			// the page may have been evicted, deleted or pinned since it was listed
			if !IsErrorCode(err, ErrCodePageNotFound) && !IsErrorCode(err, ErrCodePagePinned) {
				af.flushErrors.Add(1)
				af.logger.Warn("background flush failed", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
			}
			continue
		}
		flushed++
		if flushed >= maxPages {
			break
		}
	}

	af.pagesFlushed.Add(uint64(flushed))
	return flushed
}

// GetStats returns current statistics
func (af *AdaptiveFlusher) GetStats() AdaptiveFlushStats {
	af.mu.Lock()
	defer af.mu.Unlock()
	return af.stats
}

// SetTargetDirtyRatio dynamically adjusts the target dirty ratio
func (af *AdaptiveFlusher) SetTargetDirtyRatio(ratio float64) error {
	if ratio <= 0 || ratio >= 1 {
		return ErrInvalidConfig("SetTargetDirtyRatio", fmt.Sprintf("invalid dirty ratio: %f (must be between 0 and 1)", ratio))
	}

	af.mu.Lock()
	defer af.mu.Unlock()

	if ratio >= af.config.MaxDirtyRatio {
		return ErrInvalidConfig("SetTargetDirtyRatio",
			fmt.Sprintf("target ratio %f must be less than max ratio %f", ratio, af.config.MaxDirtyRatio))
	}

	af.config.TargetDirtyRatio = ratio
	return nil
}

// SetMaxDirtyRatio dynamically adjusts the maximum dirty ratio
func (af *AdaptiveFlusher) SetMaxDirtyRatio(ratio float64) error {
	if ratio <= 0 || ratio > 1 {
		return ErrInvalidConfig("SetMaxDirtyRatio", fmt.Sprintf("invalid max dirty ratio: %f (must be in (0, 1])", ratio))
	}

	af.mu.Lock()
	defer af.mu.Unlock()

	if ratio <= af.config.TargetDirtyRatio {
		return ErrInvalidConfig("SetMaxDirtyRatio",
			fmt.Sprintf("max ratio %f must be greater than target ratio %f", ratio, af.config.TargetDirtyRatio))
	}

	af.config.MaxDirtyRatio = ratio
	return nil
}

// TriggerFlush runs one flush of up to maxPages pages (MaxFlushPages when maxPages <= 0)
func (af *AdaptiveFlusher) TriggerFlush(maxPages int) int {
	if maxPages <= 0 {
		maxPages = af.GetConfig().MaxFlushPages
	}
	return af.flushDirtyPages(maxPages)
}

// IsRunning returns whether the flusher is currently running
func (af *AdaptiveFlusher) IsRunning() bool {
	return af.running.Load()
}

// GetConfig returns the current configuration
func (af *AdaptiveFlusher) GetConfig() AdaptiveFlushConfig {
	af.mu.Lock()
	defer af.mu.Unlock()
	return af.config
}

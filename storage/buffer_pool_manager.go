package storage

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BufferPoolManager caches disk pages in a fixed set of frames.
//
// All bookkeeping (free list, page table, pin counts, replacer calls and the disk
// transfers those trigger) is serialized by latch. The replacer has its own lock and is
// only called with latch held, so the lock order is always pool then replacer.
// Page latches are independent of both and are taken by guards after the pool call returns.
type BufferPoolManager struct {
	poolSize  uint32
	pages     []*Page
	pageTable map[PageID]FrameID
	freeList  []FrameID
	replacer  Replacer
	scheduler *DiskScheduler
	disk      DiskBackend
	ownsDisk  bool

	nextPageID PageID
	latch      sync.Mutex

	metrics     *Metrics
	logMetrics  bool
	logger      atomic.Pointer[zap.Logger]
	flusher     *AdaptiveFlusher
	prefetcher  *Prefetcher
	closeLogger func() error
	closeOnce   sync.Once
	closeResult error
}

// NewBufferPoolManager creates a pool of poolSize frames using LRU-K with history depth k
func NewBufferPoolManager(poolSize uint32, disk DiskBackend, k int) (*BufferPoolManager, error) {
	return NewBufferPoolManagerWithReplacer(poolSize, disk, ReplacerLRUK, k)
}

// NewBufferPoolManagerWithReplacer creates a buffer pool with a specific replacement policy
func NewBufferPoolManagerWithReplacer(poolSize uint32, disk DiskBackend, replacerAlg string, k int) (*BufferPoolManager, error) {
	return newBufferPoolManager(poolSize, disk, replacerAlg, k, zap.NewNop())
}

func newBufferPoolManager(poolSize uint32, disk DiskBackend, replacerAlg string, k int, logger *zap.Logger) (*BufferPoolManager, error) {
	if poolSize == 0 {
		return nil, ErrInvalidConfig("NewBufferPoolManager", "pool size must be greater than 0")
	}
	if disk == nil {
		return nil, ErrInvalidConfig("NewBufferPoolManager", "disk backend is required")
	}

	replacer, err := NewReplacer(replacerAlg, int(poolSize), k)
	if err != nil {
		return nil, err
	}

	bpm := &BufferPoolManager{
		poolSize:  poolSize,
		pages:     make([]*Page, poolSize),
		pageTable: make(map[PageID]FrameID, poolSize),
		freeList:  make([]FrameID, 0, poolSize),
		replacer:  replacer,
		scheduler: NewDiskScheduler(disk, logger),
		disk:      disk,
		metrics:   NewMetrics(),
	}
	bpm.logger.Store(logger)

	for i := uint32(0); i < poolSize; i++ {
		bpm.pages[i] = newPage(FrameID(i))
		bpm.freeList = append(bpm.freeList, FrameID(i))
	}

	return bpm, nil
}

// Open builds a buffer pool, its disk backend, logger and optional background flusher
// from cfg. The returned pool owns the backend and closes it in Close.
func Open(cfg *Config) (*BufferPoolManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closeLogger, err := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogOutput)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DataFile); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			closeLogger()
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	var disk DiskBackend
	switch cfg.DiskBackend {
	case DiskBackendMmap:
		disk, err = NewMmapDiskManager(cfg.DataFile, cfg.MmapInitialPages)
	default:
		var dm *DiskManager
		dm, err = NewDiskManager(cfg.DataFile)
		if err == nil {
			dm.SetSyncWrites(cfg.SyncWrites)
			disk = dm
		}
	}
	if err != nil {
		closeLogger()
		return nil, err
	}

	bpm, err := newBufferPoolManager(cfg.BufferPoolSize, disk, cfg.CacheReplacer, cfg.ReplacerK, logger)
	if err != nil {
		disk.Close()
		closeLogger()
		return nil, err
	}
	bpm.ownsDisk = true
	bpm.closeLogger = closeLogger
	bpm.logMetrics = cfg.EnableMetrics

	if cfg.FlusherEnabled {
		fc, err := AdaptiveFlushConfigFrom(cfg)
		if err != nil {
			bpm.Close()
			return nil, err
		}
		bpm.flusher = NewAdaptiveFlusher(backgroundFlushTarget{bpm}, fc, logger)
		if err := bpm.flusher.Start(); err != nil {
			bpm.Close()
			return nil, err
		}
	}

	if cfg.PrefetchEnabled {
		bpm.prefetcher = NewPrefetcher(bpm, logger)
		bpm.prefetcher.Configure(cfg.PrefetchThreshold, cfg.PrefetchDistance)
	}

	logger.Info("buffer pool opened",
		zap.Uint32("pool_size", cfg.BufferPoolSize),
		zap.String("replacer", cfg.CacheReplacer),
		zap.Int("k", cfg.ReplacerK),
		zap.String("disk_backend", cfg.DiskBackend),
		zap.String("data_file", cfg.DataFile),
		zap.Bool("flusher", cfg.FlusherEnabled),
		zap.Bool("prefetch", cfg.PrefetchEnabled))

	return bpm, nil
}

// SetLogger replaces the pool's logger; nil disables logging
func (bpm *BufferPoolManager) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm.logger.Store(logger)
}

func (bpm *BufferPoolManager) log() *zap.Logger {
	return bpm.logger.Load()
}

// GetPoolSize returns the pool size
func (bpm *BufferPoolManager) GetPoolSize() uint32 {
	return bpm.poolSize
}

// GetCapacity returns the total capacity of the buffer pool
func (bpm *BufferPoolManager) GetCapacity() int {
	return int(bpm.poolSize)
}

// GetPrefetcher returns the read-ahead prefetcher, or nil when prefetching is disabled
func (bpm *BufferPoolManager) GetPrefetcher() *Prefetcher {
	return bpm.prefetcher
}

// GetMetrics returns the buffer pool metrics
func (bpm *BufferPoolManager) GetMetrics() *Metrics {
	return bpm.metrics
}

// NewPage allocates a fresh page id and pins a zeroed frame for it
func (bpm *BufferPoolManager) NewPage() (*Page, error) {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	if bpm.nextPageID == InvalidPageID {
		return nil, ErrInvalidPageID("NewPage", bpm.nextPageID)
	}

	frameID, err := bpm.acquireFrameLocked("NewPage")
	if err != nil {
		return nil, err
	}

	pageID := bpm.nextPageID
	bpm.nextPageID++

	page := bpm.pages[frameID]
	page.reset(pageID)
	if err := bpm.installLocked(frameID, pageID); err != nil {
		return nil, err
	}
	bpm.metrics.RecordPageAllocation()

	return page, nil
}

// FetchPage pins pageID, reading it from disk when it is not resident.
// A page that was never written comes back zero-filled.
func (bpm *BufferPoolManager) FetchPage(pageID PageID) (*Page, error) {
	if pageID == InvalidPageID {
		return nil, ErrInvalidPageID("FetchPage", pageID)
	}

	start := time.Now()
	defer func() { bpm.metrics.RecordPageFetchLatency(time.Since(start)) }()

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	if frameID, ok := bpm.pageTable[pageID]; ok {
		bpm.metrics.RecordCacheHit()
		page := bpm.pages[frameID]
		page.pin()
		if err := bpm.touchLocked(frameID); err != nil {
			page.unpin()
			return nil, err
		}
		return page, nil
	}

	bpm.metrics.RecordCacheMiss()

	frameID, err := bpm.loadLocked("FetchPage", pageID, true)
	if err != nil {
		return nil, err
	}
	// never hand out an id that is already resident
	if pageID >= bpm.nextPageID {
		bpm.nextPageID = pageID + 1
	}

	return bpm.pages[frameID], nil
}

// Prefetch reads an allocated page into the pool without leaving it pinned.
// It reports false when the page is already resident or its id was never handed out.
func (bpm *BufferPoolManager) Prefetch(pageID PageID) (bool, error) {
	if pageID == InvalidPageID {
		return false, ErrInvalidPageID("Prefetch", pageID)
	}

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	if _, ok := bpm.pageTable[pageID]; ok || pageID >= bpm.nextPageID {
		return false, nil
	}

	frameID, err := bpm.loadLocked("Prefetch", pageID, false)
	if err != nil {
		return false, err
	}

	bpm.pages[frameID].unpin()
	if err := bpm.replacer.SetEvictable(frameID, true); err != nil {
		return false, fmt.Errorf("failed to mark frame %d evictable: %w", frameID, err)
	}
	return true, nil
}

// loadLocked reads pageID from disk into a fresh frame and pins it once.
// With zeroFill a failed read keeps whatever the backend delivered, zero beyond it,
// and is only logged. Otherwise, or when the scheduler or backend is closed, the
// frame goes back to the free list and the error is returned.
func (bpm *BufferPoolManager) loadLocked(op string, pageID PageID, zeroFill bool) (FrameID, error) {
	frameID, err := bpm.acquireFrameLocked(op)
	if err != nil {
		return 0, err
	}

	page := bpm.pages[frameID]
	page.reset(pageID)
	if err := bpm.scheduler.Do(false, pageID, page.data); err != nil {
		if !zeroFill || errors.Is(err, ErrClosed) || errors.Is(err, os.ErrClosed) {
			page.reset(InvalidPageID)
			bpm.freeList = append(bpm.freeList, frameID)
			return 0, ErrDiskRead(op, pageID, err)
		}
		bpm.log().Warn("page read failed, serving zero-filled remainder",
			zap.String("op", op),
			zap.Uint32("page_id", uint32(pageID)),
			zap.Error(err))
	}
	bpm.metrics.RecordPageRead()

	if err := bpm.installLocked(frameID, pageID); err != nil {
		return 0, err
	}

	bpm.log().Debug("page loaded",
		zap.String("op", op),
		zap.Uint32("page_id", uint32(pageID)),
		zap.Uint32("frame_id", uint32(frameID)))

	return frameID, nil
}

// UnpinPage drops one pin on pageID. isDirty only ever sets the dirty flag.
// The frame becomes evictable when its last pin is dropped.
func (bpm *BufferPoolManager) UnpinPage(pageID PageID, isDirty bool) error {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return ErrPageNotFound("UnpinPage", pageID)
	}

	page := bpm.pages[frameID]
	if page.GetPinCount() <= 0 {
		return ErrInvalidPin("UnpinPage", pageID)
	}

	if isDirty {
		page.setDirty(true)
	}

	if page.unpin() == 0 {
		if err := bpm.replacer.SetEvictable(frameID, true); err != nil {
			return fmt.Errorf("failed to mark frame %d evictable: %w", frameID, err)
		}
	}

	return nil
}

// FlushPage writes pageID to disk whether or not it is dirty and clears its dirty flag
func (bpm *BufferPoolManager) FlushPage(pageID PageID) error {
	if pageID == InvalidPageID {
		return ErrInvalidPageID("FlushPage", pageID)
	}

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return ErrPageNotFound("FlushPage", pageID)
	}

	if err := bpm.writeFrameLocked(frameID); err != nil {
		return ErrDiskWrite("FlushPage", pageID, err)
	}
	return nil
}

// FlushAllPages flushes every resident page. All pages are attempted; failures are joined.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	var errs []error
	for _, pageID := range slices.Sorted(maps.Keys(bpm.pageTable)) {
		if err := bpm.writeFrameLocked(bpm.pageTable[pageID]); err != nil {
			errs = append(errs, ErrDiskWrite("FlushAllPages", pageID, err))
		}
	}
	return errors.Join(errs...)
}

// DeletePage drops pageID from the pool and releases it on disk.
// Deleting a page that is not resident succeeds; deleting a pinned page fails.
func (bpm *BufferPoolManager) DeletePage(pageID PageID) error {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return nil
	}

	page := bpm.pages[frameID]
	if pins := page.GetPinCount(); pins > 0 {
		return ErrPagePinned("DeletePage", pageID, pins)
	}

	// the replacer only forgets non-evictable frames
	if err := bpm.replacer.SetEvictable(frameID, false); err != nil {
		return fmt.Errorf("failed to pin frame %d for removal: %w", frameID, err)
	}
	if err := bpm.replacer.Remove(frameID); err != nil {
		return fmt.Errorf("failed to remove frame %d from replacer: %w", frameID, err)
	}

	delete(bpm.pageTable, pageID)
	page.reset(InvalidPageID)
	bpm.freeList = append(bpm.freeList, frameID)
	bpm.disk.DeallocatePage(pageID)
	bpm.metrics.RecordPageDeletion()

	bpm.log().Debug("page deleted",
		zap.Uint32("page_id", uint32(pageID)),
		zap.Uint32("frame_id", uint32(frameID)))

	return nil
}

// acquireFrameLocked takes a frame from the free list, or evicts one.
// A dirty victim is written back first; if that fails the victim stays resident.
func (bpm *BufferPoolManager) acquireFrameLocked(op string) (FrameID, error) {
	if len(bpm.freeList) > 0 {
		frameID := bpm.freeList[0]
		bpm.freeList = bpm.freeList[1:]
		return frameID, nil
	}

	frameID, ok := bpm.replacer.Evict()
	if !ok {
		return 0, ErrNoFreeFrame(op)
	}

	victim := bpm.pages[frameID]
	oldPageID := victim.GetPageId()

	if victim.IsDirty() {
		if err := bpm.writeFrameLocked(frameID); err != nil {
			// put the victim back so it can be retried later
			if rerr := bpm.replacer.RecordAccess(frameID); rerr == nil {
				_ = bpm.replacer.SetEvictable(frameID, true)
			}
			bpm.log().Warn("failed to flush eviction victim",
				zap.Uint32("page_id", uint32(oldPageID)),
				zap.Uint32("frame_id", uint32(frameID)),
				zap.Error(err))
			return 0, ErrDiskWrite(op, oldPageID, err)
		}
		bpm.metrics.RecordDirtyPageFlush()
	}

	delete(bpm.pageTable, oldPageID)
	bpm.metrics.RecordPageEviction()

	bpm.log().Debug("evicted page",
		zap.Uint32("page_id", uint32(oldPageID)),
		zap.Uint32("frame_id", uint32(frameID)))

	return frameID, nil
}

// installLocked maps pageID to a reset frame and pins it once
func (bpm *BufferPoolManager) installLocked(frameID FrameID, pageID PageID) error {
	page := bpm.pages[frameID]
	page.pin()
	bpm.pageTable[pageID] = frameID

	if err := bpm.touchLocked(frameID); err != nil {
		delete(bpm.pageTable, pageID)
		page.reset(InvalidPageID)
		bpm.freeList = append(bpm.freeList, frameID)
		return err
	}
	return nil
}

// touchLocked records an access on a pinned frame
func (bpm *BufferPoolManager) touchLocked(frameID FrameID) error {
	if err := bpm.replacer.RecordAccess(frameID); err != nil {
		return fmt.Errorf("failed to record access to frame %d: %w", frameID, err)
	}
	if err := bpm.replacer.SetEvictable(frameID, false); err != nil {
		return fmt.Errorf("failed to pin frame %d: %w", frameID, err)
	}
	return nil
}

// writeFrameLocked writes a frame through the scheduler and marks it clean
func (bpm *BufferPoolManager) writeFrameLocked(frameID FrameID) error {
	page := bpm.pages[frameID]
	start := time.Now()

	if err := bpm.scheduler.Do(true, page.GetPageId(), page.data); err != nil {
		return err
	}

	page.setDirty(false)
	bpm.metrics.RecordPageWrite()
	bpm.metrics.RecordPageFlushLatency(time.Since(start))
	return nil
}

// flushIfUnpinned writes pageID back only if it is dirty and nobody holds a pin on it
func (bpm *BufferPoolManager) flushIfUnpinned(pageID PageID) error {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	frameID, ok := bpm.pageTable[pageID]
	if !ok {
		return ErrPageNotFound("FlushPage", pageID)
	}
	page := bpm.pages[frameID]
	if pins := page.GetPinCount(); pins > 0 {
		return ErrPagePinned("FlushPage", pageID, pins)
	}
	if !page.IsDirty() {
		return nil
	}

	if err := bpm.writeFrameLocked(frameID); err != nil {
		return ErrDiskWrite("FlushPage", pageID, err)
	}
	return nil
}

// backgroundFlushTarget is the pool as seen by the AdaptiveFlusher.
// Its FlushPage skips pages that are pinned, so a latched writer is never raced.
type backgroundFlushTarget struct {
	*BufferPoolManager
}

func (t backgroundFlushTarget) FlushPage(pageID PageID) error {
	return t.flushIfUnpinned(pageID)
}

// FreeFrameCount returns the number of frames holding no page
func (bpm *BufferPoolManager) FreeFrameCount() int {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()
	return len(bpm.freeList)
}

// ResidentPages returns the ids of all resident pages in ascending order
func (bpm *BufferPoolManager) ResidentPages() []PageID {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()
	return slices.Sorted(maps.Keys(bpm.pageTable))
}

// EvictableCount returns the number of frames the replacer may evict
func (bpm *BufferPoolManager) EvictableCount() int {
	return bpm.replacer.Size()
}

// GetDirtyPageCount returns the number of dirty pages in the buffer pool
func (bpm *BufferPoolManager) GetDirtyPageCount() int {
	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	count := 0
	for _, frameID := range bpm.pageTable {
		if bpm.pages[frameID].IsDirty() {
			count++
		}
	}
	return count
}

// GetDirtyPages returns up to maxPages ids of dirty pages that are not pinned
func (bpm *BufferPoolManager) GetDirtyPages(maxPages int) []PageID {
	if maxPages <= 0 {
		return nil
	}

	bpm.latch.Lock()
	defer bpm.latch.Unlock()

	dirtyPages := make([]PageID, 0, min(maxPages, len(bpm.pageTable)))
	for _, page := range bpm.pages {
		if len(dirtyPages) >= maxPages {
			break
		}
		pageID := page.GetPageId()
		if pageID == InvalidPageID || !page.IsDirty() || page.GetPinCount() > 0 {
			continue
		}
		dirtyPages = append(dirtyPages, pageID)
	}
	return dirtyPages
}

// Close stops the prefetcher and background flusher, flushes every resident page, stops the disk
// scheduler and closes the disk backend if the pool owns it. A pool built by Open also
// releases its logger. Later calls return the first call's result.
func (bpm *BufferPoolManager) Close() error {
	bpm.closeOnce.Do(func() {
		var errs []error

		if bpm.prefetcher != nil {
			bpm.prefetcher.Close()
		}
		if bpm.flusher != nil {
			errs = append(errs, bpm.flusher.Stop())
		}

		errs = append(errs, bpm.FlushAllPages())

		bpm.scheduler.Shutdown()

		if bpm.ownsDisk {
			errs = append(errs, bpm.disk.Close())
		}

		if bpm.logMetrics {
			bpm.metrics.LogMetrics(bpm.log())
		}

		bpm.closeResult = errors.Join(errs...)
		bpm.log().Info("buffer pool closed", zap.Error(bpm.closeResult))
		_ = bpm.log().Sync()
		if bpm.closeLogger != nil {
			if err := bpm.closeLogger(); err != nil {
				bpm.closeResult = errors.Join(bpm.closeResult, err)
			}
		}
	})
	return bpm.closeResult
}

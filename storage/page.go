package storage

import (
	"math"
	"sync/atomic"
)

// PageSize is the size of every page on disk and in memory (4KB)
const PageSize = 4096

// PageID identifies a logical page. Page i lives at byte offset i*PageSize of the data file.
type PageID uint32

// InvalidPageID marks a frame that holds no page
const InvalidPageID PageID = math.MaxUint32

// FrameID indexes a slot of the buffer pool
type FrameID uint32

// Page is one buffer pool frame: a fixed byte block plus the metadata of the page it holds.
// Frames are created once with the pool and repurposed by reset; the metadata is only
// mutated by the pool under its latch and read through atomics everywhere else.
type Page struct {
	frameID  FrameID
	pageID   atomic.Uint32
	pinCount atomic.Int32
	isDirty  atomic.Bool
	data     []byte
	latch    *RWLatch
}

func newPage(frameID FrameID) *Page {
	p := &Page{
		frameID: frameID,
		data:    make([]byte, PageSize),
		latch:   NewRWLatch(),
	}
	p.pageID.Store(uint32(InvalidPageID))
	return p
}

// GetPageId returns the page ID
func (p *Page) GetPageId() PageID {
	return PageID(p.pageID.Load())
}

// GetFrameId returns the index of the frame backing this page
func (p *Page) GetFrameId() FrameID {
	return p.frameID
}

// GetPinCount returns the pin count
func (p *Page) GetPinCount() int32 {
	return p.pinCount.Load()
}

// IsDirty returns whether the page differs from its on-disk copy
func (p *Page) IsDirty() bool {
	return p.isDirty.Load()
}

// GetData returns the page buffer. Callers synchronize through the page latch.
func (p *Page) GetData() []byte {
	return p.data
}

// RLatch acquires the page latch in shared mode
func (p *Page) RLatch() {
	p.latch.RLock()
}

// RUnlatch releases a shared page latch
func (p *Page) RUnlatch() {
	p.latch.RUnlock()
}

// WLatch acquires the page latch in exclusive mode
func (p *Page) WLatch() {
	p.latch.Lock()
}

// WUnlatch releases an exclusive page latch
func (p *Page) WUnlatch() {
	p.latch.Unlock()
}

// reset reassigns the frame to pageID with a zeroed buffer, no pins and a clean state
func (p *Page) reset(pageID PageID) {
	clear(p.data)
	p.pageID.Store(uint32(pageID))
	p.pinCount.Store(0)
	p.isDirty.Store(false)
}

func (p *Page) pin() int32 {
	return p.pinCount.Add(1)
}

func (p *Page) unpin() int32 {
	return p.pinCount.Add(-1)
}

func (p *Page) setDirty(dirty bool) {
	p.isDirty.Store(dirty)
}

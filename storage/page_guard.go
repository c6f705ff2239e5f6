package storage

import "go.uber.org/zap"

// Page guards tie a pin (and for Read/Write a page latch) to the lifetime of a value.
//
// A guard owns exactly one pin on a resident page until it is dropped, moved or upgraded.
// Guards must not be copied by assignment; use Move or Assign to hand ownership over.
// The zero value of every guard type is inert: it holds nothing and Drop is a no-op.
//
//	guard := bpm.FetchPageWrite(id)
//	if !guard.IsValid() {
//		return errNoPage
//	}
//	defer guard.Drop()
//	copy(guard.GetDataMut(), payload)

type latchMode uint8

const (
	latchNone latchMode = iota
	latchRead
	latchWrite
)

// pageGuard is the state shared by all guard variants
type pageGuard struct {
	bpm    *BufferPoolManager
	frame  FrameID
	pageID PageID
	dirty  bool
	mode   latchMode
}

func (g *pageGuard) valid() bool {
	return g.bpm != nil
}

func (g *pageGuard) page() *Page {
	return g.bpm.pages[g.frame]
}

func (g *pageGuard) id() PageID {
	if !g.valid() {
		return InvalidPageID
	}
	return g.pageID
}

func (g *pageGuard) data() []byte {
	if !g.valid() {
		return nil
	}
	return g.page().data
}

// release gives back the latch, then the pin, and leaves g inert.
// It is the only place guards unlatch or unpin.
func (g *pageGuard) release() {
	if !g.valid() {
		return
	}

	switch g.mode {
	case latchRead:
		g.page().RUnlatch()
	case latchWrite:
		g.page().WUnlatch()
	}

	if err := g.bpm.UnpinPage(g.pageID, g.dirty); err != nil {
		g.bpm.log().Warn("page guard release failed",
			zap.Uint32("page_id", uint32(g.pageID)),
			zap.Error(err))
	}
	*g = pageGuard{}
}

// take returns g's state and leaves g inert without releasing anything
func (g *pageGuard) take() pageGuard {
	s := *g
	*g = pageGuard{}
	return s
}

// assign releases g and takes over src; assigning a guard to itself does nothing
func (g *pageGuard) assign(src *pageGuard) {
	if g == src {
		return
	}
	g.release()
	*g = src.take()
}

// upgrade latches the page in mode and returns the same pin under the new mode
func (g *pageGuard) upgrade(mode latchMode) pageGuard {
	if !g.valid() {
		return pageGuard{}
	}

	switch mode {
	case latchRead:
		g.page().RLatch()
	case latchWrite:
		g.page().WLatch()
	}

	s := g.take()
	s.mode = mode
	return s
}

// BasicPageGuard holds a pin without a latch. Concurrent access to its data must be
// synchronized by the caller.
type BasicPageGuard struct {
	guard pageGuard
}

// IsValid reports whether the guard holds a page
func (g *BasicPageGuard) IsValid() bool { return g.guard.valid() }

// PageID returns the guarded page id, or InvalidPageID for an inert guard
func (g *BasicPageGuard) PageID() PageID { return g.guard.id() }

// GetData returns the page buffer, or nil for an inert guard
func (g *BasicPageGuard) GetData() []byte { return g.guard.data() }

// GetDataMut returns the page buffer and marks the page dirty on release
func (g *BasicPageGuard) GetDataMut() []byte {
	if g.guard.valid() {
		g.guard.dirty = true
	}
	return g.guard.data()
}

// MarkDirty makes release report the page as modified
func (g *BasicPageGuard) MarkDirty() {
	if g.guard.valid() {
		g.guard.dirty = true
	}
}

// Drop unpins the page. Dropping an inert guard does nothing.
func (g *BasicPageGuard) Drop() { g.guard.release() }

// Move transfers ownership to the returned guard and leaves g inert
func (g *BasicPageGuard) Move() BasicPageGuard {
	return BasicPageGuard{guard: g.guard.take()}
}

// Assign drops whatever g holds and takes ownership of src
func (g *BasicPageGuard) Assign(src *BasicPageGuard) { g.guard.assign(&src.guard) }

// UpgradeRead latches the page shared and moves the pin into a ReadPageGuard.
// g is inert afterwards; the pin count is unchanged.
func (g *BasicPageGuard) UpgradeRead() ReadPageGuard {
	return ReadPageGuard{guard: g.guard.upgrade(latchRead)}
}

// UpgradeWrite latches the page exclusively and moves the pin into a WritePageGuard
func (g *BasicPageGuard) UpgradeWrite() WritePageGuard {
	return WritePageGuard{guard: g.guard.upgrade(latchWrite)}
}

// ReadPageGuard holds a pin and the page latch in shared mode
type ReadPageGuard struct {
	guard pageGuard
}

func (g *ReadPageGuard) IsValid() bool { return g.guard.valid() }

func (g *ReadPageGuard) PageID() PageID { return g.guard.id() }

// GetData returns the page buffer. It must not be modified through a read guard.
func (g *ReadPageGuard) GetData() []byte { return g.guard.data() }

// Drop releases the shared latch, then the pin
func (g *ReadPageGuard) Drop() { g.guard.release() }

func (g *ReadPageGuard) Move() ReadPageGuard {
	return ReadPageGuard{guard: g.guard.take()}
}

func (g *ReadPageGuard) Assign(src *ReadPageGuard) { g.guard.assign(&src.guard) }

// WritePageGuard holds a pin and the page latch in exclusive mode
type WritePageGuard struct {
	guard pageGuard
}

func (g *WritePageGuard) IsValid() bool { return g.guard.valid() }

func (g *WritePageGuard) PageID() PageID { return g.guard.id() }

func (g *WritePageGuard) GetData() []byte { return g.guard.data() }

// GetDataMut returns the page buffer and marks the page dirty on release
func (g *WritePageGuard) GetDataMut() []byte {
	if g.guard.valid() {
		g.guard.dirty = true
	}
	return g.guard.data()
}

// MarkDirty makes release report the page as modified
func (g *WritePageGuard) MarkDirty() {
	if g.guard.valid() {
		g.guard.dirty = true
	}
}

// Drop releases the exclusive latch, then the pin
func (g *WritePageGuard) Drop() { g.guard.release() }

func (g *WritePageGuard) Move() WritePageGuard {
	return WritePageGuard{guard: g.guard.take()}
}

func (g *WritePageGuard) Assign(src *WritePageGuard) { g.guard.assign(&src.guard) }

func (bpm *BufferPoolManager) newGuard(page *Page, mode latchMode) pageGuard {
	return pageGuard{bpm: bpm, frame: page.GetFrameId(), pageID: page.GetPageId(), mode: mode}
}

// NewPageGuarded allocates a page and returns it under a basic guard.
// The guard is inert if no frame could be obtained.
func (bpm *BufferPoolManager) NewPageGuarded() BasicPageGuard {
	page, err := bpm.NewPage()
	if err != nil {
		bpm.log().Debug("guarded page allocation failed", zap.Error(err))
		return BasicPageGuard{}
	}
	return BasicPageGuard{guard: bpm.newGuard(page, latchNone)}
}

// FetchPageBasic fetches pageID under a basic guard, inert on failure
func (bpm *BufferPoolManager) FetchPageBasic(pageID PageID) BasicPageGuard {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		bpm.log().Debug("guarded fetch failed", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
		return BasicPageGuard{}
	}
	return BasicPageGuard{guard: bpm.newGuard(page, latchNone)}
}

// FetchPageRead fetches pageID and latches it shared, inert on failure
func (bpm *BufferPoolManager) FetchPageRead(pageID PageID) ReadPageGuard {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		bpm.log().Debug("guarded fetch failed", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
		return ReadPageGuard{}
	}
	page.RLatch()
	return ReadPageGuard{guard: bpm.newGuard(page, latchRead)}
}

// FetchPageWrite fetches pageID and latches it exclusively, inert on failure
func (bpm *BufferPoolManager) FetchPageWrite(pageID PageID) WritePageGuard {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		bpm.log().Debug("guarded fetch failed", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
		return WritePageGuard{}
	}
	page.WLatch()
	return WritePageGuard{guard: bpm.newGuard(page, latchWrite)}
}

package storage

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// residentPage returns the frame holding pageID
func residentPage(t *testing.T, bpm *BufferPoolManager, pageID PageID) *Page {
	t.Helper()
	bpm.latch.Lock()
	defer bpm.latch.Unlock()
	frameID, ok := bpm.pageTable[pageID]
	require.True(t, ok, "page %d is not resident", pageID)
	return bpm.pages[frameID]
}

func TestBasicPageGuardDrop(t *testing.T) {
	bpm, _ := newMemPool(t, 2, 2)

	guard := bpm.NewPageGuarded()
	require.True(t, guard.IsValid())
	assert.Equal(t, PageID(0), guard.PageID())
	assert.Len(t, guard.GetData(), PageSize)

	page := residentPage(t, bpm, 0)
	assert.Equal(t, int32(1), page.GetPinCount())

	guard.Drop()
	assert.False(t, guard.IsValid())
	assert.Equal(t, int32(0), page.GetPinCount())
	assert.Equal(t, 1, bpm.EvictableCount())

	// a second drop must not unpin again
	guard.Drop()
	assert.Equal(t, int32(0), page.GetPinCount())
}

func TestInertGuards(t *testing.T) {
	var basic BasicPageGuard
	var read ReadPageGuard
	var write WritePageGuard

	assert.False(t, basic.IsValid())
	assert.False(t, read.IsValid())
	assert.False(t, write.IsValid())
	assert.Equal(t, InvalidPageID, basic.PageID())
	assert.Equal(t, InvalidPageID, read.PageID())
	assert.Nil(t, write.GetData())
	assert.Nil(t, write.GetDataMut())
	assert.Nil(t, basic.GetDataMut())

	basic.MarkDirty()
	basic.Drop()
	read.Drop()
	write.Drop()

	upgraded := basic.UpgradeWrite()
	assert.False(t, upgraded.IsValid())
}

func TestGuardOnExhaustedPool(t *testing.T) {
	bpm, _ := newMemPool(t, 1, 2)

	held := bpm.NewPageGuarded()
	require.True(t, held.IsValid())

	none := bpm.NewPageGuarded()
	assert.False(t, none.IsValid())
	read := bpm.FetchPageRead(9)
	assert.False(t, read.IsValid())
	write := bpm.FetchPageWrite(9)
	assert.False(t, write.IsValid())
	basic := bpm.FetchPageBasic(InvalidPageID)
	assert.False(t, basic.IsValid())

	held.Drop()
	read = bpm.FetchPageRead(9)
	assert.True(t, read.IsValid())
	read.Drop()
}

func TestGuardMove(t *testing.T) {
	bpm, _ := newMemPool(t, 2, 2)

	src := bpm.NewPageGuarded()
	require.True(t, src.IsValid())
	page := residentPage(t, bpm, src.PageID())

	dst := src.Move()
	assert.False(t, src.IsValid())
	assert.True(t, dst.IsValid())
	assert.Equal(t, int32(1), page.GetPinCount(), "moving does not change the pin count")

	src.Drop()
	assert.Equal(t, int32(1), page.GetPinCount())

	dst.Drop()
	assert.Equal(t, int32(0), page.GetPinCount())
}

func TestGuardAssign(t *testing.T) {
	bpm, _ := newMemPool(t, 2, 2)

	a := bpm.NewPageGuarded()
	b := bpm.NewPageGuarded()
	page0 := residentPage(t, bpm, a.PageID())
	page1 := residentPage(t, bpm, b.PageID())

	a.Assign(&b)
	assert.Equal(t, int32(0), page0.GetPinCount(), "the overwritten guard is released")
	assert.Equal(t, int32(1), page1.GetPinCount())
	assert.Equal(t, PageID(1), a.PageID())
	assert.False(t, b.IsValid())

	a.Assign(&a)
	assert.True(t, a.IsValid(), "self assignment is a no-op")
	assert.Equal(t, int32(1), page1.GetPinCount())

	r1 := bpm.FetchPageRead(0)
	r2 := bpm.FetchPageRead(1)
	r1.Assign(&r2)
	assert.Equal(t, int32(0), page0.GetPinCount())
	assert.Equal(t, int32(2), page1.GetPinCount())
	assert.True(t, page0.latch.TryLock(), "released read latch is free")
	page0.WUnlatch()

	r1.Drop()
	a.Drop()
	assert.Equal(t, int32(0), page1.GetPinCount())
}

func TestGuardUpgrade(t *testing.T) {
	bpm, _ := newMemPool(t, 2, 2)

	basic := bpm.NewPageGuarded()
	id := basic.PageID()
	basic.Drop()

	basic = bpm.FetchPageBasic(id)
	page := residentPage(t, bpm, id)
	require.Equal(t, int32(1), page.GetPinCount())

	write := basic.UpgradeWrite()
	assert.False(t, basic.IsValid())
	assert.True(t, write.IsValid())
	assert.Equal(t, id, write.PageID())
	assert.Equal(t, int32(1), page.GetPinCount(), "upgrade reuses the existing pin")
	assert.False(t, page.latch.TryRLock(), "write guard holds the latch exclusively")

	write.Drop()
	assert.Equal(t, int32(0), page.GetPinCount())
	require.True(t, page.latch.TryLock())
	page.WUnlatch()

	basic = bpm.FetchPageBasic(id)
	read := basic.UpgradeRead()
	assert.Equal(t, int32(1), page.GetPinCount())
	assert.True(t, page.latch.TryRLock(), "shared latches coexist")
	page.RUnlatch()
	assert.False(t, page.latch.TryLock())
	read.Drop()
	assert.Equal(t, int32(0), page.GetPinCount())
}

func TestGuardDirtyTracking(t *testing.T) {
	bpm, _ := newMemPool(t, 4, 2)

	read := bpm.FetchPageRead(0)
	_ = read.GetData()
	read.Drop()
	assert.False(t, residentPage(t, bpm, 0).IsDirty(), "reading does not dirty a page")

	write := bpm.FetchPageWrite(0)
	copy(write.GetDataMut(), "written")
	write.Drop()
	assert.True(t, residentPage(t, bpm, 0).IsDirty())

	basic := bpm.FetchPageBasic(1)
	basic.MarkDirty()
	basic.Drop()
	assert.True(t, residentPage(t, bpm, 1).IsDirty())

	write = bpm.FetchPageWrite(2)
	_ = write.GetData()
	write.Drop()
	assert.False(t, residentPage(t, bpm, 2).IsDirty())
}

func TestReadGuardsShareLatch(t *testing.T) {
	bpm, _ := newMemPool(t, 2, 2)

	r1 := bpm.FetchPageRead(0)
	r2 := bpm.FetchPageRead(0)
	require.True(t, r1.IsValid())
	require.True(t, r2.IsValid())
	assert.Equal(t, int32(2), residentPage(t, bpm, 0).GetPinCount())

	r1.Drop()
	r2.Drop()
	assert.Equal(t, int32(0), residentPage(t, bpm, 0).GetPinCount())
}

func TestWriteGuardExcludesReaders(t *testing.T) {
	bpm, _ := newMemPool(t, 2, 2)

	write := bpm.FetchPageWrite(0)
	require.True(t, write.IsValid())

	acquired := make(chan struct{})
	go func() {
		read := bpm.FetchPageRead(0)
		close(acquired)
		read.Drop()
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired the page while a writer held it")
	default:
	}
	copy(write.GetDataMut(), "done")
	write.Drop()
	<-acquired

	read := bpm.FetchPageRead(0)
	assert.True(t, bytes.HasPrefix(read.GetData(), []byte("done")))
	read.Drop()
}

func TestGuardsNoTornWrites(t *testing.T) {
	bpm, _ := newMemPool(t, 4, 2)

	guard := bpm.NewPageGuarded()
	id := guard.PageID()
	guard.Drop()

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		fill := byte(w + 1)
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				write := bpm.FetchPageWrite(id)
				if !write.IsValid() {
					return fmt.Errorf("writer %d: fetch failed", fill)
				}
				data := write.GetDataMut()
				for j := range data {
					data[j] = fill
				}
				write.Drop()
			}
			return nil
		})
	}
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				read := bpm.FetchPageRead(id)
				if !read.IsValid() {
					return fmt.Errorf("reader: fetch failed")
				}
				data := read.GetData()
				first := data[0]
				for j, b := range data {
					if b != first {
						read.Drop()
						return fmt.Errorf("torn page: byte %d is %d, byte 0 is %d", j, b, first)
					}
				}
				read.Drop()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(0), residentPage(t, bpm, id).GetPinCount())
}

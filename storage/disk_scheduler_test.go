package storage

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var errInjected = errors.New("injected disk failure")

// memDisk is an in-memory DiskBackend with switchable read and write failures
type memDisk struct {
	mu        sync.Mutex
	pages     map[PageID][]byte
	failRead  atomic.Bool
	failWrite atomic.Bool
	reads     atomic.Int64
	writes    atomic.Int64
	deallocs  []PageID
	closed    bool
}

func newMemDisk() *memDisk {
	return &memDisk{pages: make(map[PageID][]byte)}
}

func (d *memDisk) ReadPage(pageID PageID, data []byte) error {
	if d.failRead.Load() {
		return errInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads.Add(1)
	if stored, ok := d.pages[pageID]; ok {
		copy(data, stored)
	} else {
		clear(data)
	}
	return nil
}

func (d *memDisk) WritePage(pageID PageID, data []byte) error {
	if d.failWrite.Load() {
		return errInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes.Add(1)
	d.pages[pageID] = append([]byte(nil), data...)
	return nil
}

func (d *memDisk) DeallocatePage(pageID PageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deallocs = append(d.deallocs, pageID)
}

func (d *memDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *memDisk) stored(pageID PageID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pages[pageID]
	return p, ok
}

func TestDiskSchedulerWriteThenRead(t *testing.T) {
	disk := newMemDisk()
	ds := NewDiskScheduler(disk, nil)
	defer ds.Shutdown()

	data := patternPage(7)
	writeDone := ds.CreateCallback()
	require.NoError(t, ds.Schedule(DiskRequest{IsWrite: true, Data: data, PageID: 4, Callback: writeDone}))

	buf := make([]byte, PageSize)
	readDone := ds.CreateCallback()
	require.NoError(t, ds.Schedule(DiskRequest{IsWrite: false, Data: buf, PageID: 4, Callback: readDone}))

	// requests complete in submission order
	require.NoError(t, <-writeDone)
	require.NoError(t, <-readDone)
	assert.Equal(t, data, buf)

	stats := ds.GetStats()
	assert.Equal(t, uint64(1), stats.Reads)
	assert.Equal(t, uint64(1), stats.Writes)
	assert.Zero(t, stats.Failed)
}

func TestDiskSchedulerReportsErrors(t *testing.T) {
	disk := newMemDisk()
	disk.failWrite.Store(true)
	ds := NewDiskScheduler(disk, nil)
	defer ds.Shutdown()

	err := ds.Do(true, 1, make([]byte, PageSize))
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, uint64(1), ds.GetStats().Failed)
}

func TestDiskSchedulerShutdown(t *testing.T) {
	disk := newMemDisk()
	ds := NewDiskScheduler(disk, nil)

	// everything accepted before shutdown still completes
	callbacks := make([]chan error, 0, 50)
	for i := 0; i < 50; i++ {
		cb := ds.CreateCallback()
		require.NoError(t, ds.Schedule(DiskRequest{IsWrite: true, Data: patternPage(byte(i)), PageID: PageID(i), Callback: cb}))
		callbacks = append(callbacks, cb)
	}
	ds.Shutdown()

	for _, cb := range callbacks {
		assert.NoError(t, <-cb)
	}
	assert.Equal(t, int64(50), disk.writes.Load())

	err := ds.Schedule(DiskRequest{Data: make([]byte, PageSize), Callback: ds.CreateCallback()})
	assert.True(t, IsErrorCode(err, ErrCodeSchedulerClosed))

	ds.Shutdown()
}

func TestDiskSchedulerConcurrentClients(t *testing.T) {
	disk := newMemDisk()
	ds := NewDiskScheduler(disk, nil)
	defer ds.Shutdown()

	var g errgroup.Group
	for w := 0; w < 16; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 20; i++ {
				pageID := PageID(w*20 + i)
				if err := ds.Do(true, pageID, patternPage(byte(pageID))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, uint64(320), ds.GetStats().Writes)
	last := PageID(319)
	stored, ok := disk.stored(last)
	require.True(t, ok)
	assert.Equal(t, patternPage(byte(last)), stored)
}

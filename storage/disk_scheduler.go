package storage

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// defaultSchedulerQueueDepth is the number of requests that can be queued before Schedule blocks
const defaultSchedulerQueueDepth = 128

// DiskRequest is a single page transfer handled by the DiskScheduler
type DiskRequest struct {
	IsWrite bool
	// Data is the page-sized buffer read into or written from
	Data   []byte
	PageID PageID
	// Callback receives exactly one value once the transfer finished
	Callback chan error
}

// DiskScheduler runs page reads and writes against a DiskBackend on a background worker.
// Requests are processed one at a time in submission order.
type DiskScheduler struct {
	disk     DiskBackend
	requests chan DiskRequest
	logger   *zap.Logger

	// mutex guards closed and the send side of requests
	mutex  sync.RWMutex
	closed bool

	numReads  atomic.Uint64
	numWrites atomic.Uint64
	numFailed atomic.Uint64

	wg sync.WaitGroup
}

// NewDiskScheduler starts a scheduler for disk
func NewDiskScheduler(disk DiskBackend, logger *zap.Logger) *DiskScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	ds := &DiskScheduler{
		disk:     disk,
		requests: make(chan DiskRequest, defaultSchedulerQueueDepth),
		logger:   logger,
	}

	ds.wg.Add(1)
	go ds.worker()

	return ds
}

// CreateCallback returns a channel suitable for DiskRequest.Callback
func (ds *DiskScheduler) CreateCallback() chan error {
	return make(chan error, 1)
}

// Schedule queues a request. It fails only once the scheduler is shut down.
func (ds *DiskScheduler) Schedule(req DiskRequest) error {
	ds.mutex.RLock()
	defer ds.mutex.RUnlock()

	if ds.closed {
		return NewStorageError(ErrCodeSchedulerClosed, "Schedule", "disk scheduler shut down", nil)
	}
	ds.requests <- req
	return nil
}

// Do schedules a request and waits for its completion
func (ds *DiskScheduler) Do(isWrite bool, pageID PageID, data []byte) error {
	callback := ds.CreateCallback()
	if err := ds.Schedule(DiskRequest{IsWrite: isWrite, Data: data, PageID: pageID, Callback: callback}); err != nil {
		return err
	}
	return <-callback
}

func (ds *DiskScheduler) worker() {
	defer ds.wg.Done()

	for req := range ds.requests {
		var err error
		if req.IsWrite {
			err = ds.disk.WritePage(req.PageID, req.Data)
			ds.numWrites.Add(1)
		} else {
			err = ds.disk.ReadPage(req.PageID, req.Data)
			ds.numReads.Add(1)
		}

		if err != nil {
			ds.numFailed.Add(1)
			ds.logger.Debug("disk request failed",
				zap.Uint32("page_id", uint32(req.PageID)),
				zap.Bool("write", req.IsWrite),
				zap.Error(err))
		}

		if req.Callback != nil {
			req.Callback <- err
		}
	}
}

// DiskSchedulerStats holds request counters
type DiskSchedulerStats struct {
	Reads  uint64
	Writes uint64
	Failed uint64
}

// GetStats returns the number of processed requests
func (ds *DiskScheduler) GetStats() DiskSchedulerStats {
	return DiskSchedulerStats{
		Reads:  ds.numReads.Load(),
		Writes: ds.numWrites.Load(),
		Failed: ds.numFailed.Load(),
	}
}

// Shutdown stops accepting requests and waits for the queued ones to complete.
// Calling it more than once is safe.
func (ds *DiskScheduler) Shutdown() {
	ds.mutex.Lock()
	if ds.closed {
		ds.mutex.Unlock()
		return
	}
	ds.closed = true
	close(ds.requests)
	ds.mutex.Unlock()

	ds.wg.Wait()
}

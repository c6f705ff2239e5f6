package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// DiskBackend stores fixed-size pages; page i occupies [i*PageSize, (i+1)*PageSize).
// Reading a page that was never written yields zeros.
type DiskBackend interface {
	ReadPage(pageID PageID, data []byte) error
	WritePage(pageID PageID, data []byte) error
	// DeallocatePage releases pageID; no space is reclaimed
	DeallocatePage(pageID PageID)
	Close() error
}

// DiskManager is a DiskBackend on top of a regular file
type DiskManager struct {
	file       *os.File
	syncWrites bool
	mutex      sync.Mutex

	numReads    atomic.Uint64
	numWrites   atomic.Uint64
	numDeallocs atomic.Uint64
}

// NewDiskManager creates a new disk manager that manages pages in a file
func NewDiskManager(fileName string) (*DiskManager, error) {
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open/create file %s: %w", fileName, err)
	}

	return &DiskManager{file: file}, nil
}

// SetSyncWrites makes every WritePage fsync before returning
func (dm *DiskManager) SetSyncWrites(sync bool) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	dm.syncWrites = sync
}

// ReadPage fills data with the page contents. Bytes past the end of the file read as zero.
// On a read error the unread remainder is zeroed before the error is returned.
func (dm *DiskManager) ReadPage(pageID PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("page buffer must be exactly %d bytes, got %d", PageSize, len(data))
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	if dm.file == nil {
		return os.ErrClosed
	}

	offset := int64(pageID) * PageSize
	n, err := dm.file.ReadAt(data, offset)
	clear(data[n:])
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read page %d after %d bytes: %w", pageID, n, err)
	}

	dm.numReads.Add(1)
	return nil
}

// WritePage writes a page to disk at the specified page ID
func (dm *DiskManager) WritePage(pageID PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(data))
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	if dm.file == nil {
		return os.ErrClosed
	}

	offset := int64(pageID) * PageSize
	if _, err := dm.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write page %d: %w", pageID, err)
	}
	dm.numWrites.Add(1)

	if dm.syncWrites {
		return dm.file.Sync()
	}
	return nil
}

// DeallocatePage records that pageID is no longer used
func (dm *DiskManager) DeallocatePage(pageID PageID) {
	dm.numDeallocs.Add(1)
}

// GetNumReads returns the number of completed page reads
func (dm *DiskManager) GetNumReads() uint64 {
	return dm.numReads.Load()
}

// GetNumWrites returns the number of completed page writes
func (dm *DiskManager) GetNumWrites() uint64 {
	return dm.numWrites.Load()
}

// GetNumDeallocations returns how many pages were released
func (dm *DiskManager) GetNumDeallocations() uint64 {
	return dm.numDeallocs.Load()
}

// GetFileSize returns the size of the data file in bytes
func (dm *DiskManager) GetFileSize() (int64, error) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	info, err := dm.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Close syncs and closes the underlying file
func (dm *DiskManager) Close() error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.file == nil {
		return nil
	}
	err := errors.Join(dm.file.Sync(), dm.file.Close())
	dm.file = nil
	return err
}

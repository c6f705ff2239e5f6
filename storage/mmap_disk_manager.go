package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// DefaultMmapInitialPages is the number of pages mapped when a new file is created (4MB)
const DefaultMmapInitialPages = 1024

// MmapDiskManager is a DiskBackend that keeps the data file memory-mapped.
// Reads and writes are copies between page frames and the mapping; the mapping grows
// (at least doubling) when a page past its end is written.
type MmapDiskManager struct {
	file     *os.File
	mapping  *mmapping
	fileSize int64
	mutex    sync.RWMutex

	numReads  atomic.Uint64
	numWrites atomic.Uint64
}

// NewMmapDiskManager opens or creates fileName and maps at least initialPages pages of it
func NewMmapDiskManager(fileName string, initialPages int) (*MmapDiskManager, error) {
	if initialPages <= 0 {
		initialPages = DefaultMmapInitialPages
	}

	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open/create file %s: %w", fileName, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	size := roundUpToPage(info.Size())
	if minSize := int64(initialPages) * PageSize; size < minSize {
		size = minSize
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size file to %d bytes: %w", size, err)
	}

	m, err := mapFile(file, size)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &MmapDiskManager{
		file:     file,
		mapping:  m,
		fileSize: size,
	}, nil
}

func roundUpToPage(size int64) int64 {
	return (size + PageSize - 1) / PageSize * PageSize
}

// ReadPage copies the page out of the mapping. Pages past the mapped end read as zero.
func (dm *MmapDiskManager) ReadPage(pageID PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("page buffer must be exactly %d bytes, got %d", PageSize, len(data))
	}

	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	if dm.mapping == nil {
		return os.ErrClosed
	}

	offset := int64(pageID) * PageSize
	n := 0
	if offset < dm.fileSize {
		end := min(offset+PageSize, dm.fileSize)
		n = copy(data, dm.mapping.data[offset:end])
	}
	clear(data[n:])

	dm.numReads.Add(1)
	return nil
}

// WritePage copies data into the mapping, growing the file when needed
func (dm *MmapDiskManager) WritePage(pageID PageID, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(data))
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()
	if dm.mapping == nil {
		return os.ErrClosed
	}

	offset := int64(pageID) * PageSize
	if required := offset + PageSize; required > dm.fileSize {
		if err := dm.growLocked(max(dm.fileSize*2, required)); err != nil {
			return fmt.Errorf("failed to write page %d: %w", pageID, err)
		}
	}

	copy(dm.mapping.data[offset:offset+PageSize], data)
	dm.numWrites.Add(1)
	return nil
}

// growLocked remaps the file at newSize bytes. Caller holds the write lock.
func (dm *MmapDiskManager) growLocked(newSize int64) error {
	if err := dm.mapping.unmap(); err != nil {
		return fmt.Errorf("failed to unmap: %w", err)
	}
	dm.mapping = nil

	if err := dm.file.Truncate(newSize); err != nil {
		// keep serving the old size
		m, mapErr := mapFile(dm.file, dm.fileSize)
		if mapErr == nil {
			dm.mapping = m
		}
		return errors.Join(fmt.Errorf("failed to grow file: %w", err), mapErr)
	}

	m, err := mapFile(dm.file, newSize)
	if err != nil {
		return err
	}
	dm.mapping = m
	dm.fileSize = newSize
	return nil
}

// DeallocatePage is a no-op; mapped space is never returned
func (dm *MmapDiskManager) DeallocatePage(pageID PageID) {}

// Flush writes the mapping back to the file and fsyncs it
func (dm *MmapDiskManager) Flush() error {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	if dm.mapping == nil {
		return nil
	}
	if err := dm.mapping.flush(); err != nil {
		return fmt.Errorf("failed to flush mapping: %w", err)
	}
	return dm.file.Sync()
}

// GetFileSize returns the mapped file size in bytes
func (dm *MmapDiskManager) GetFileSize() int64 {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	return dm.fileSize
}

// GetNumReads returns the number of completed page reads
func (dm *MmapDiskManager) GetNumReads() uint64 {
	return dm.numReads.Load()
}

// GetNumWrites returns the number of completed page writes
func (dm *MmapDiskManager) GetNumWrites() uint64 {
	return dm.numWrites.Load()
}

// Close flushes, unmaps and closes the file
func (dm *MmapDiskManager) Close() error {
	flushErr := dm.Flush()

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	var unmapErr error
	if dm.mapping != nil {
		unmapErr = dm.mapping.unmap()
		dm.mapping = nil
	}

	var closeErr error
	if dm.file != nil {
		closeErr = dm.file.Close()
		dm.file = nil
	}
	return errors.Join(flushErr, unmapErr, closeErr)
}

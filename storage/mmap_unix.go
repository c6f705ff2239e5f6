//go:build unix

package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapping is a shared read-write mapping of a whole file
type mmapping struct {
	data []byte
}

func mapFile(file *os.File, size int64) (*mmapping, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d bytes: %w", size, err)
	}
	return &mmapping{data: data}, nil
}

func (m *mmapping) flush() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *mmapping) unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

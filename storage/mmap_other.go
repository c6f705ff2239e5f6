//go:build !unix && !windows

package storage

import (
	"errors"
	"os"
)

var errMmapUnsupported = errors.New("mmap disk backend is not supported on this platform")

type mmapping struct {
	data []byte
}

func mapFile(file *os.File, size int64) (*mmapping, error) {
	return nil, errMmapUnsupported
}

func (m *mmapping) flush() error { return errMmapUnsupported }

func (m *mmapping) unmap() error { return nil }

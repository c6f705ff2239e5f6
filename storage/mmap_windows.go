//go:build windows

package storage

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mmapping is a read-write view of a whole file
type mmapping struct {
	handle windows.Handle
	addr   uintptr
	data   []byte
}

func mapFile(file *os.File, size int64) (*mmapping, error) {
	handle, err := windows.CreateFileMapping(
		windows.Handle(file.Fd()),
		nil,
		windows.PAGE_READWRITE,
		uint32(size>>32),
		uint32(size&0xFFFFFFFF),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create file mapping: %w", err)
	}

	addr, err := windows.MapViewOfFile(handle, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(handle)
		return nil, fmt.Errorf("failed to map view of file: %w", err)
	}

	return &mmapping{
		handle: handle,
		addr:   addr,
		data:   unsafe.Slice((*byte)(unsafe.Pointer(addr)), size),
	}, nil
}

func (m *mmapping) flush() error {
	return windows.FlushViewOfFile(m.addr, uintptr(len(m.data)))
}

func (m *mmapping) unmap() error {
	if m.data == nil {
		return nil
	}
	err := windows.UnmapViewOfFile(m.addr)
	if closeErr := windows.CloseHandle(m.handle); err == nil {
		err = closeErr
	}
	m.data = nil
	return err
}

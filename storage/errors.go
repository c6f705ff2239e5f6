package storage

import (
	"errors"
	"fmt"
)

// ErrorCode represents different types of storage errors
type ErrorCode int

const (
	// Generic errors
	ErrCodeUnknown ErrorCode = iota
	ErrCodeInternal
	ErrCodeInvalidConfig

	// Page errors
	ErrCodePageNotFound
	ErrCodeInvalidPageID

	// Buffer pool errors
	ErrCodeNoFreeFrames
	ErrCodePagePinned
	ErrCodeInvalidPin

	// Replacer errors
	ErrCodeFrameOutOfRange
	ErrCodeFrameNotTracked
	ErrCodeFrameEvictable

	// Disk errors
	ErrCodeDiskReadFailed
	ErrCodeDiskWriteFailed
	ErrCodeSchedulerClosed
)

// StorageError represents a storage engine error with context
type StorageError struct {
	Code    ErrorCode
	Message string
	Op      string // Operation that failed
	Err     error  // Underlying error (if any)
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a StorageError with the same code
func (e *StorageError) Is(target error) bool {
	var t *StorageError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewStorageError creates a new storage error
func NewStorageError(code ErrorCode, op, message string, err error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
	}
}

// Sentinels usable with errors.Is; only the code is compared.
var (
	ErrPoolExhausted   = &StorageError{Code: ErrCodeNoFreeFrames, Message: "no free frames"}
	ErrPageNotResident = &StorageError{Code: ErrCodePageNotFound, Message: "page not resident"}
	ErrPageIsPinned    = &StorageError{Code: ErrCodePagePinned, Message: "page is pinned"}
	ErrBadPin          = &StorageError{Code: ErrCodeInvalidPin, Message: "invalid pin"}
	ErrClosed          = &StorageError{Code: ErrCodeSchedulerClosed, Message: "disk scheduler closed"}
)

// Helper functions for common errors

func ErrPageNotFound(op string, pageID PageID) *StorageError {
	return NewStorageError(
		ErrCodePageNotFound,
		op,
		fmt.Sprintf("page %d not resident in buffer pool", pageID),
		nil,
	)
}

func ErrInvalidPageID(op string, pageID PageID) *StorageError {
	return NewStorageError(
		ErrCodeInvalidPageID,
		op,
		fmt.Sprintf("invalid page id %d", pageID),
		nil,
	)
}

func ErrNoFreeFrame(op string) *StorageError {
	return NewStorageError(
		ErrCodeNoFreeFrames,
		op,
		"no free or evictable frame available in buffer pool",
		nil,
	)
}

func ErrPagePinned(op string, pageID PageID, pinCount int32) *StorageError {
	return NewStorageError(
		ErrCodePagePinned,
		op,
		fmt.Sprintf("page %d is pinned (pin count: %d)", pageID, pinCount),
		nil,
	)
}

func ErrInvalidPin(op string, pageID PageID) *StorageError {
	return NewStorageError(
		ErrCodeInvalidPin,
		op,
		fmt.Sprintf("page %d has pin count 0", pageID),
		nil,
	)
}

func ErrFrameOutOfRange(op string, frameID FrameID, numFrames int) *StorageError {
	return NewStorageError(
		ErrCodeFrameOutOfRange,
		op,
		fmt.Sprintf("frame %d exceeds replacer size %d", frameID, numFrames),
		nil,
	)
}

func ErrFrameNotTracked(op string, frameID FrameID) *StorageError {
	return NewStorageError(
		ErrCodeFrameNotTracked,
		op,
		fmt.Sprintf("frame %d has no access history", frameID),
		nil,
	)
}

func ErrFrameEvictable(op string, frameID FrameID) *StorageError {
	return NewStorageError(
		ErrCodeFrameEvictable,
		op,
		fmt.Sprintf("frame %d is still evictable", frameID),
		nil,
	)
}

func ErrDiskRead(op string, pageID PageID, err error) *StorageError {
	return NewStorageError(
		ErrCodeDiskReadFailed,
		op,
		fmt.Sprintf("failed to read page %d", pageID),
		err,
	)
}

func ErrDiskWrite(op string, pageID PageID, err error) *StorageError {
	return NewStorageError(
		ErrCodeDiskWriteFailed,
		op,
		fmt.Sprintf("failed to write page %d", pageID),
		err,
	)
}

func ErrInvalidConfig(op, message string) *StorageError {
	return NewStorageError(ErrCodeInvalidConfig, op, message, nil)
}

// IsErrorCode checks if an error, or anything it wraps, has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrCodeUnknown
func GetErrorCode(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeUnknown
}

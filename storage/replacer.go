package storage

import "fmt"

// Replacer tracks frame accesses and picks eviction victims among the evictable frames.
// The buffer pool calls it with its own latch held, so implementations must not call back
// into the pool.
type Replacer interface {
	// RecordAccess notes an access to frameID at the current logical time.
	// An untracked frame starts out non-evictable.
	RecordAccess(frameID FrameID) error

	// SetEvictable controls whether frameID may be chosen by Evict
	SetEvictable(frameID FrameID, evictable bool) error

	// Evict picks a victim, forgets its history and returns it.
	// Returns false when no frame is evictable.
	Evict() (FrameID, bool)

	// Remove forgets a non-evictable frame's history without counting as an eviction
	Remove(frameID FrameID) error

	// Size returns the number of evictable frames
	Size() int
}

// Replacement policy names accepted by NewReplacer
const (
	ReplacerLRUK = "lru-k"
	ReplacerLRU  = "lru"
)

// DefaultReplacerK is the history depth used when none is configured
const DefaultReplacerK = 2

// NewReplacer creates a replacer for numFrames frames based on the specified algorithm
func NewReplacer(algorithm string, numFrames int, k int) (Replacer, error) {
	switch algorithm {
	case ReplacerLRUK, "":
		return NewLRUKReplacer(numFrames, k)
	case ReplacerLRU:
		return NewLRUReplacer(numFrames), nil
	default:
		return nil, ErrInvalidConfig("NewReplacer", fmt.Sprintf("unknown replacer %q", algorithm))
	}
}

package storage

import (
	"fmt"
	"math"
	"sync"
)

// infiniteDistance is the k-distance of a frame with fewer than k recorded accesses
const infiniteDistance = math.MaxUint64

// lrukNode is the access history of one frame
type lrukNode struct {
	history   []uint64 // oldest first, at most k entries
	evictable bool
}

// kDistance returns now minus the k-th most recent access, or infiniteDistance
func (n *lrukNode) kDistance(now uint64, k int) uint64 {
	if len(n.history) < k {
		return infiniteDistance
	}
	return now - n.history[0]
}

// lastAccess returns the most recent access timestamp
func (n *lrukNode) lastAccess() uint64 {
	return n.history[len(n.history)-1]
}

// LRUKReplacer implements the LRU-K replacement policy.
//
// The victim is the evictable frame with the largest backward k-distance. Frames with fewer
// than k accesses have infinite distance and are preferred; among several of them the one
// touched least recently goes first. Equal finite distances fall back to the lower frame id.
type LRUKReplacer struct {
	k         int
	numFrames int
	nodes     map[FrameID]*lrukNode
	evictable int
	now       uint64 // logical clock, advanced once per RecordAccess
	mutex     sync.Mutex
}

// NewLRUKReplacer creates a replacer for frames [0, numFrames) remembering k accesses each
func NewLRUKReplacer(numFrames int, k int) (*LRUKReplacer, error) {
	if numFrames <= 0 {
		return nil, ErrInvalidConfig("NewLRUKReplacer", "frame count must be greater than 0")
	}
	if k <= 0 {
		return nil, ErrInvalidConfig("NewLRUKReplacer", fmt.Sprintf("k must be greater than 0, got %d", k))
	}
	return &LRUKReplacer{
		k:         k,
		numFrames: numFrames,
		nodes:     make(map[FrameID]*lrukNode, numFrames),
	}, nil
}

// RecordAccess appends the current timestamp to frameID's history
func (r *LRUKReplacer) RecordAccess(frameID FrameID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if int(frameID) >= r.numFrames {
		return ErrFrameOutOfRange("RecordAccess", frameID, r.numFrames)
	}

	node, ok := r.nodes[frameID]
	if !ok {
		node = &lrukNode{history: make([]uint64, 0, r.k)}
		r.nodes[frameID] = node
	}
	if len(node.history) == r.k {
		copy(node.history, node.history[1:])
		node.history = node.history[:r.k-1]
	}
	node.history = append(node.history, r.now)
	r.now++
	return nil
}

// SetEvictable toggles whether frameID may be evicted. Repeating the current state is a no-op.
func (r *LRUKReplacer) SetEvictable(frameID FrameID, evictable bool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if int(frameID) >= r.numFrames {
		return ErrFrameOutOfRange("SetEvictable", frameID, r.numFrames)
	}
	node, ok := r.nodes[frameID]
	if !ok {
		return ErrFrameNotTracked("SetEvictable", frameID)
	}
	if node.evictable == evictable {
		return nil
	}

	node.evictable = evictable
	if evictable {
		r.evictable++
	} else {
		r.evictable--
	}
	return nil
}

// Evict selects and forgets the frame with the largest backward k-distance
func (r *LRUKReplacer) Evict() (FrameID, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.evictable == 0 {
		return 0, false
	}

	var (
		victim     FrameID
		found      bool
		bestDist   uint64
		bestRecent uint64
	)
	for frameID, node := range r.nodes {
		if !node.evictable {
			continue
		}
		dist := node.kDistance(r.now, r.k)
		recent := node.lastAccess()
		if !found || betterVictim(dist, recent, frameID, bestDist, bestRecent, victim) {
			victim, bestDist, bestRecent, found = frameID, dist, recent, true
		}
	}
	if !found {
		return 0, false
	}

	delete(r.nodes, victim)
	r.evictable--
	return victim, true
}

// betterVictim reports whether candidate a ranks ahead of the current best b
func betterVictim(aDist, aRecent uint64, aFrame FrameID, bDist, bRecent uint64, bFrame FrameID) bool {
	switch {
	case aDist == infiniteDistance && bDist == infiniteDistance:
		if aRecent != bRecent {
			return aRecent < bRecent
		}
	case aDist != bDist:
		return aDist > bDist
	}
	return aFrame < bFrame
}

// Remove drops frameID's history. The frame must have been made non-evictable first;
// removing an untracked frame does nothing.
func (r *LRUKReplacer) Remove(frameID FrameID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if int(frameID) >= r.numFrames {
		return ErrFrameOutOfRange("Remove", frameID, r.numFrames)
	}
	node, ok := r.nodes[frameID]
	if !ok {
		return nil
	}
	if node.evictable {
		return ErrFrameEvictable("Remove", frameID)
	}
	delete(r.nodes, frameID)
	return nil
}

// Size returns the number of evictable frames
func (r *LRUKReplacer) Size() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.evictable
}

// K returns the history depth
func (r *LRUKReplacer) K() int {
	return r.k
}

package storage

import (
	"container/list"
	"sync"
)

// LRUNode represents a tracked frame in the LRU list
type LRUNode struct {
	frameID   FrameID
	evictable bool
}

// LRUReplacer implements plain LRU replacement: the evictable frame whose last access is
// oldest is the victim. It honours the same contract as LRUKReplacer.
type LRUReplacer struct {
	numFrames int
	lruList   *list.List // front is least recently used
	lruMap    map[FrameID]*list.Element
	evictable int
	mutex     sync.Mutex
}

// NewLRUReplacer creates a new LRU replacer
func NewLRUReplacer(numFrames int) *LRUReplacer {
	return &LRUReplacer{
		numFrames: numFrames,
		lruList:   list.New(),
		lruMap:    make(map[FrameID]*list.Element),
	}
}

// RecordAccess moves frameID to the most recently used end, tracking it if needed
func (lru *LRUReplacer) RecordAccess(frameID FrameID) error {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	if int(frameID) >= lru.numFrames {
		return ErrFrameOutOfRange("RecordAccess", frameID, lru.numFrames)
	}

	if elem, exists := lru.lruMap[frameID]; exists {
		lru.lruList.MoveToBack(elem)
		return nil
	}
	lru.lruMap[frameID] = lru.lruList.PushBack(&LRUNode{frameID: frameID})
	return nil
}

// SetEvictable marks a tracked frame as evictable or pinned
func (lru *LRUReplacer) SetEvictable(frameID FrameID, evictable bool) error {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	if int(frameID) >= lru.numFrames {
		return ErrFrameOutOfRange("SetEvictable", frameID, lru.numFrames)
	}
	elem, exists := lru.lruMap[frameID]
	if !exists {
		return ErrFrameNotTracked("SetEvictable", frameID)
	}

	node := elem.Value.(*LRUNode)
	if node.evictable == evictable {
		return nil
	}
	node.evictable = evictable
	if evictable {
		lru.evictable++
	} else {
		lru.evictable--
	}
	return nil
}

// Evict removes and returns the least recently used evictable frame
func (lru *LRUReplacer) Evict() (FrameID, bool) {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	for elem := lru.lruList.Front(); elem != nil; elem = elem.Next() {
		node := elem.Value.(*LRUNode)
		if !node.evictable {
			continue
		}
		lru.lruList.Remove(elem)
		delete(lru.lruMap, node.frameID)
		lru.evictable--
		return node.frameID, true
	}
	return 0, false
}

// Remove forgets a non-evictable frame
func (lru *LRUReplacer) Remove(frameID FrameID) error {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	if int(frameID) >= lru.numFrames {
		return ErrFrameOutOfRange("Remove", frameID, lru.numFrames)
	}
	elem, exists := lru.lruMap[frameID]
	if !exists {
		return nil
	}
	if elem.Value.(*LRUNode).evictable {
		return ErrFrameEvictable("Remove", frameID)
	}
	lru.lruList.Remove(elem)
	delete(lru.lruMap, frameID)
	return nil
}

// Size returns the number of evictable frames
func (lru *LRUReplacer) Size() int {
	lru.mutex.Lock()
	defer lru.mutex.Unlock()

	return lru.evictable
}

package storage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestRWLatchBasic tests basic RWLatch operations
func TestRWLatchBasic(t *testing.T) {
	latch := NewRWLatch()

	latch.RLock()
	if stats := latch.Stats(); stats.ReaderCount != 1 || stats.WriterActive {
		t.Errorf("Expected 1 reader and no writer, got %+v", stats)
	}
	latch.RUnlock()

	latch.Lock()
	if !latch.Stats().WriterActive {
		t.Error("Expected writer to be active")
	}
	latch.Unlock()

	if stats := latch.Stats(); stats != (RWLatchStats{}) {
		t.Errorf("Expected free latch after unlock, got %+v", stats)
	}
}

// TestRWLatchMultipleReaders tests multiple concurrent readers
func TestRWLatchMultipleReaders(t *testing.T) {
	latch := NewRWLatch()

	for i := 0; i < 10; i++ {
		latch.RLock()
	}

	if n := latch.Stats().ReaderCount; n != 10 {
		t.Errorf("Expected 10 readers, got %d", n)
	}

	for i := 0; i < 10; i++ {
		latch.RUnlock()
	}

	if n := latch.Stats().ReaderCount; n != 0 {
		t.Errorf("Expected 0 readers after unlock, got %d", n)
	}
}

// TestRWLatchTryLockOperations tests TryRLock and TryLock
func TestRWLatchTryLockOperations(t *testing.T) {
	latch := NewRWLatch()

	if !latch.TryRLock() {
		t.Error("TryRLock should succeed on free latch")
	}
	latch.RUnlock()

	if !latch.TryLock() {
		t.Error("TryLock should succeed on free latch")
	}
	if latch.TryRLock() {
		t.Error("TryRLock should fail when writer is active")
		latch.RUnlock()
	}
	if latch.TryLock() {
		t.Error("TryLock should fail when writer is active")
		latch.Unlock()
	}
	latch.Unlock()

	latch.RLock()
	if latch.TryLock() {
		t.Error("TryLock should fail when readers are active")
		latch.Unlock()
	}
	if !latch.TryRLock() {
		t.Error("TryRLock should succeed when only readers are active")
	}
	latch.RUnlock()
	latch.RUnlock()
}

// TestRWLatchWaitingWriterBlocksNewReaders checks that an announced writer keeps new readers out
func TestRWLatchWaitingWriterBlocksNewReaders(t *testing.T) {
	latch := NewRWLatch()
	latch.RLock()

	acquired := make(chan struct{})
	go func() {
		latch.Lock()
		close(acquired)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for latch.Stats().WriterWaitingCount == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Writer never announced itself")
		}
		time.Sleep(time.Millisecond)
	}

	if latch.TryRLock() {
		t.Error("New reader should not get in while a writer waits")
		latch.RUnlock()
	}

	select {
	case <-acquired:
		t.Fatal("Writer acquired the latch while a reader was inside")
	case <-time.After(10 * time.Millisecond):
	}

	latch.RUnlock()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("Writer did not acquire the latch after the reader left")
	}
	latch.Unlock()
}

// TestRWLatchQueuedWriterBlocksNewReaders checks that a writer queued behind another
// writer keeps readers out once the first one releases
func TestRWLatchQueuedWriterBlocksNewReaders(t *testing.T) {
	latch := NewRWLatch()
	latch.Lock()

	acquired := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		latch.Lock()
		close(acquired)
		<-release
		latch.Unlock()
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for latch.Stats().WriterWaitingCount != 2 {
		if time.Now().After(deadline) {
			t.Fatal("Second writer never announced itself")
		}
		time.Sleep(time.Millisecond)
	}
	if latch.TryLock() {
		t.Fatal("TryLock should fail while writers are announced")
	}

	latch.Unlock()
	if latch.TryRLock() {
		t.Error("Reader overtook a queued writer")
		latch.RUnlock()
	}

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("Queued writer did not acquire the latch")
	}
	close(release)
	<-done

	if !latch.TryRLock() {
		t.Error("TryRLock should succeed once all writers are gone")
	}
	latch.RUnlock()
	if stats := latch.Stats(); stats != (RWLatchStats{}) {
		t.Errorf("Expected an idle latch, got %+v", stats)
	}
}

// TestRWLatchReadWriteContention tests readers and writers under contention
func TestRWLatchReadWriteContention(t *testing.T) {
	latch := NewRWLatch()
	var wg sync.WaitGroup

	sharedData := 0
	var readersInside atomic.Int32
	var overlap atomic.Bool
	numReaders := 50
	numWriters := 5
	iterations := 100

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				latch.RLock()
				readersInside.Add(1)
				_ = sharedData
				readersInside.Add(-1)
				latch.RUnlock()
			}
		}()
	}

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				latch.Lock()
				if readersInside.Load() != 0 {
					overlap.Store(true)
				}
				sharedData++
				latch.Unlock()
			}
		}()
	}

	wg.Wait()

	if expected := numWriters * iterations; sharedData != expected {
		t.Errorf("Expected %d writes, got %d", expected, sharedData)
	}
	if overlap.Load() {
		t.Error("A writer observed readers inside the latch")
	}
	if stats := latch.Stats(); stats != (RWLatchStats{}) {
		t.Errorf("Latch should be free after contention, got %+v", stats)
	}
}

// TestRWLatchFairness tests that writers eventually get access under heavy read load
func TestRWLatchFairness(t *testing.T) {
	latch := NewRWLatch()
	var wg sync.WaitGroup

	writerAcquired := make(chan bool, 1)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				latch.RLock()
				time.Sleep(time.Microsecond)
				latch.RUnlock()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		latch.Lock()
		writerAcquired <- true
		latch.Unlock()
	}()

	select {
	case <-writerAcquired:
	case <-time.After(5 * time.Second):
		t.Error("Writer failed to acquire lock within timeout (fairness issue)")
	}

	wg.Wait()
}

// TestRWLatchUnlockPanics checks that releasing a latch that is not held panics
func TestRWLatchUnlockPanics(t *testing.T) {
	for name, release := range map[string]func(*RWLatch){
		"RUnlock": (*RWLatch).RUnlock,
		"Unlock":  (*RWLatch).Unlock,
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("%s on a free latch should panic", name)
				}
			}()
			release(NewRWLatch())
		})
	}
}

// TestPageLatch tests the latch through the Page wrappers
func TestPageLatch(t *testing.T) {
	page := newPage(3)

	page.RLatch()
	page.RLatch()
	if n := page.latch.Stats().ReaderCount; n != 2 {
		t.Errorf("Expected 2 readers, got %d", n)
	}
	page.RUnlatch()
	page.RUnlatch()

	page.WLatch()
	if !page.latch.Stats().WriterActive {
		t.Error("Expected page latch held exclusively")
	}
	page.WUnlatch()
}

func BenchmarkRWLatchRLock(b *testing.B) {
	latch := NewRWLatch()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		latch.RLock()
		latch.RUnlock()
	}
}

func BenchmarkRWLatchLock(b *testing.B) {
	latch := NewRWLatch()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		latch.Lock()
		latch.Unlock()
	}
}

func BenchmarkCompareMixedLoad(b *testing.B) {
	b.Run("RWLatch", func(b *testing.B) {
		latch := NewRWLatch()
		b.RunParallel(func(pb *testing.PB) {
			i := 0
			for pb.Next() {
				if i%10 == 0 {
					latch.Lock()
					latch.Unlock()
				} else {
					latch.RLock()
					latch.RUnlock()
				}
				i++
			}
		})
	})

	b.Run("RWMutex", func(b *testing.B) {
		var mutex sync.RWMutex
		b.RunParallel(func(pb *testing.PB) {
			i := 0
			for pb.Next() {
				if i%10 == 0 {
					mutex.Lock()
					mutex.Unlock()
				} else {
					mutex.RLock()
					mutex.RUnlock()
				}
				i++
			}
		})
	})
}

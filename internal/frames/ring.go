package frames

import (
	"sync"
	"sync/atomic"
)

// RingSize is the number of spare buffers kept for reuse.
// Two are in the scene, one in flight and one waiting in the done slot;
// the rest absorb bursts of recycled frames.
const RingSize = 8

// BufferRing recycles frame buffers between the consumer, which returns
// them, and the worker, which takes them. Taking is lock-free and reserved
// for the single worker goroutine; returning may happen from any goroutine.
// A full ring drops the buffer for the GC; an empty one allocates.
type BufferRing struct {
	slots    [RingSize][]float32
	readIdx  uint32 // atomic - worker index
	writeIdx uint32 // atomic - returning index
	putMu    sync.Mutex
	size     int

	// Stats
	allocated uint64
	reused    uint64
	dropped   uint64
}

// NewBufferRing creates a ring of buffers with size samples each.
func NewBufferRing(size int) *BufferRing {
	return &BufferRing{size: size}
}

// Get returns a buffer of the ring's size, reusing a spare when one exists.
func (rb *BufferRing) Get() []float32 {
	readIdx := atomic.LoadUint32(&rb.readIdx)
	writeIdx := atomic.LoadUint32(&rb.writeIdx)

	if readIdx == writeIdx {
		atomic.AddUint64(&rb.allocated, 1)
		return make([]float32, rb.size)
	}

	buf := rb.slots[readIdx]
	rb.slots[readIdx] = nil
	atomic.StoreUint32(&rb.readIdx, (readIdx+1)%RingSize)
	atomic.AddUint64(&rb.reused, 1)
	return buf
}

// Put offers a buffer back. Buffers of the wrong size are ignored.
func (rb *BufferRing) Put(buf []float32) bool {
	if len(buf) != rb.size {
		return false
	}

	rb.putMu.Lock()
	defer rb.putMu.Unlock()

	currentWrite := atomic.LoadUint32(&rb.writeIdx)
	nextWrite := (currentWrite + 1) % RingSize

	// Check if ring is full (would catch up to reader)
	if nextWrite == atomic.LoadUint32(&rb.readIdx) {
		atomic.AddUint64(&rb.dropped, 1)
		return false
	}

	rb.slots[currentWrite] = buf
	atomic.StoreUint32(&rb.writeIdx, nextWrite)
	return true
}

// Available returns the number of spare buffers.
func (rb *BufferRing) Available() int {
	readIdx := atomic.LoadUint32(&rb.readIdx)
	writeIdx := atomic.LoadUint32(&rb.writeIdx)

	if writeIdx >= readIdx {
		return int(writeIdx - readIdx)
	}
	return int(RingSize - readIdx + writeIdx)
}

// GetStats returns ring statistics.
func (rb *BufferRing) GetStats() (allocated, reused, dropped uint64) {
	return atomic.LoadUint64(&rb.allocated),
		atomic.LoadUint64(&rb.reused),
		atomic.LoadUint64(&rb.dropped)
}

package pools

import (
	"sync"
	"sync/atomic"
)

// Size tiers tuned for streaming I/O windows
var defaultSizes = []int{
	32 * 1024,       // Socket reads, small files
	512 * 1024,      // Ranged/streamed transfer window
	4 * 1024 * 1024, // Full-resource transfer window
}

// BytePool is a multi-tiered byte slice pool for different size classes
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

// NewBytePool creates a new byte pool with the streaming size tiers
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers.
// Sizes must be ascending.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of exactly the requested length, backed by the
// smallest tier that fits.
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			buf := *bufPtr
			return buf[:size]
		}
	}

	// Larger than every tier
	bp.misses.Add(1)
	return make([]byte, size)
}

// Put returns a byte slice to the pool. Slices that did not come from a
// tier are left to the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)

	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			bp.puts.Add(1)
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// BytePoolStats is a snapshot of pool usage.
type BytePoolStats struct {
	TotalGets   uint64 `json:"total_gets"`
	TotalPuts   uint64 `json:"total_puts"`
	TotalMisses uint64 `json:"total_misses"`
}

// Stats returns pool statistics
func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		TotalGets:   bp.gets.Load(),
		TotalPuts:   bp.puts.Load(),
		TotalMisses: bp.misses.Load(),
	}
}

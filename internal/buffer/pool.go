package buffer

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Bucket bounds. Page sizes are powers of two in this range, so every page
// buffer maps to exactly one bucket.
const (
	MinBucket = 4 << 10
	MaxBucket = 4 << 20
)

// BytePool hands out byte slices from power-of-two buckets. Slices returned
// by Get have unspecified contents.
type BytePool struct {
	pools []*sync.Pool // index i holds slices of cap MinBucket<<i

	gets   atomic.Uint64
	misses atomic.Uint64
	puts   atomic.Uint64
}

// NewBytePool creates a pool with buckets from MinBucket to MaxBucket.
func NewBytePool() *BytePool {
	p := &BytePool{}
	for size := MinBucket; size <= MaxBucket; size <<= 1 {
		size := size
		p.pools = append(p.pools, &sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		})
	}
	return p
}

func bucketIndex(size int) int {
	if size <= MinBucket {
		return 0
	}
	// smallest power of two >= size, relative to MinBucket
	return bits.Len(uint(size-1)) - bits.Len(uint(MinBucket-1))
}

// Get retrieves a byte slice of length size.
func (p *BytePool) Get(size int) []byte {
	p.gets.Add(1)
	idx := bucketIndex(size)
	if size > MaxBucket || idx >= len(p.pools) {
		p.misses.Add(1)
		return make([]byte, size)
	}
	buf := p.pools[idx].Get().(*[]byte)
	return (*buf)[:size]
}

// Put returns a slice obtained from Get. Slices of foreign capacity are dropped.
func (p *BytePool) Put(buf []byte) {
	c := cap(buf)
	if c < MinBucket || c > MaxBucket || c&(c-1) != 0 {
		return
	}
	idx := bucketIndex(c)
	buf = buf[:c]
	p.puts.Add(1)
	p.pools[idx].Put(&buf)
}

// PoolStats reports pool usage.
type PoolStats struct {
	Buckets int    `json:"buckets"`
	Gets    uint64 `json:"gets"`
	Misses  uint64 `json:"misses"`
	Puts    uint64 `json:"puts"`
}

// GetStats returns current pool statistics
func (p *BytePool) GetStats() PoolStats {
	return PoolStats{
		Buckets: len(p.pools),
		Gets:    p.gets.Load(),
		Misses:  p.misses.Load(),
		Puts:    p.puts.Load(),
	}
}

var defaultBytePool = NewBytePool()

// GetBuffer gets a buffer from the default global pool
func GetBuffer(size int) []byte {
	return defaultBytePool.Get(size)
}

// PutBuffer returns a buffer to the default global pool
func PutBuffer(buf []byte) {
	defaultBytePool.Put(buf)
}

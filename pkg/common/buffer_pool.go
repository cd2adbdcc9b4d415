package common

import (
	"github.com/colega/zeropool"
)

// BufferPool hands out byte slices for datagram reads and packet serialization.
type BufferPool struct {
	size int
	pool zeropool.Pool[[]byte]
}

// NewBufferPool creates a pool whose fresh buffers have the given capacity.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		size: size,
		pool: zeropool.New(func() []byte { return make([]byte, size) }),
	}
}

// Get returns a buffer of the pool's default size.
func (p *BufferPool) Get() []byte {
	return p.GetSize(p.size)
}

// GetSize returns a buffer with length n. Buffers too small for n are
// dropped and a new one is allocated.
func (p *BufferPool) GetSize(n int) []byte {
	buf := p.pool.Get()
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}

// Put returns buf to the pool. Undersized buffers are discarded.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}

package utils

import (
	"bytes"
	"sync"
)

// MaxBufferSize caps the capacity of buffers kept in a pool. Larger buffers
// (a big compressed file, a huge listing) are dropped after use.
const MaxBufferSize = 256 * 1024

// BufferPool manages a pool of reusable bytes.Buffer objects
// to reduce memory allocations while rendering and compressing responses.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a new BufferPool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Get retrieves an empty buffer from the pool
func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put returns a buffer to the pool, resetting it for reuse.
// If the buffer is too large, it is discarded to prevent memory hoarding.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > MaxBufferSize {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

// SharedBufferPool is used by the response handlers
var SharedBufferPool = NewBufferPool()

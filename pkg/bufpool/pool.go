// Package bufpool provides a size-classed byte buffer pool for network
// reads. Buffers are rented by the connection layer, travel with a frame
// through the pipeline, and are returned after publish completes. The pool
// always tracks rented/returned counts so buffer conservation is observable.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// Default size classes. SessionBufferSize covers TCP session reads;
// DatagramBufferSize covers the largest possible UDP payload.
const (
	SessionBufferSize  = 4 * 1024
	DatagramBufferSize = 64 * 1024
)

// Pool hands out fixed-size byte slices from per-class free lists.
type Pool struct {
	classes []class

	rented   atomic.Int64
	returned atomic.Int64
	misses   atomic.Int64 // requests larger than any class; served unpooled
}

type class struct {
	size int
	pool *sync.Pool
}

// Statistics is a point-in-time view of pool accounting.
type Statistics struct {
	Rented      int64 `json:"rented"`
	Returned    int64 `json:"returned"`
	Misses      int64 `json:"misses"`
	Outstanding int64 `json:"outstanding"`
}

// New creates a pool with the given size classes. Classes must be sorted
// ascending; the default classes are used when none are given.
func New(sizes ...int) *Pool {
	if len(sizes) == 0 {
		sizes = []int{SessionBufferSize, DatagramBufferSize}
	}

	p := &Pool{classes: make([]class, 0, len(sizes))}
	for _, size := range sizes {
		size := size
		p.classes = append(p.classes, class{
			size: size,
			pool: &sync.Pool{
				New: func() any {
					b := make([]byte, size)
					return &b
				},
			},
		})
	}
	return p
}

// Get rents a buffer of at least n bytes, returned at its full class
// capacity. Requests larger than every class are served with a fresh
// unpooled allocation and counted as misses.
func (p *Pool) Get(n int) []byte {
	for _, c := range p.classes {
		if n <= c.size {
			p.rented.Add(1)
			buf := *(c.pool.Get().(*[]byte))
			return buf[:c.size]
		}
	}
	p.misses.Add(1)
	p.rented.Add(1)
	return make([]byte, n)
}

// Put returns a buffer to its size class. Buffers that do not match a
// class capacity (oversized misses) are dropped for the GC. Put is safe to
// call at most once per rented buffer; double release is a caller bug.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	p.returned.Add(1)
	capacity := cap(buf)
	for _, c := range p.classes {
		if capacity == c.size {
			full := buf[:capacity]
			c.pool.Put(&full)
			return
		}
	}
}

// Stats returns current accounting. Outstanding is rented minus returned;
// under sustained load it is bounded by in-flight frames.
func (p *Pool) Stats() Statistics {
	rented := p.rented.Load()
	returned := p.returned.Load()
	return Statistics{
		Rented:      rented,
		Returned:    returned,
		Misses:      p.misses.Load(),
		Outstanding: rented - returned,
	}
}

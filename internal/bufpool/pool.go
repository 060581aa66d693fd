// Package bufpool provides the reference-counted 1500-byte slab pool that
// backs shred payload buffers (spec.md §5, §9 "Cyclic ownership of shred
// buffers"). The FEC assembler and the entry decoder both hold a reference
// to the same buffer; it is returned to the pool only once both have
// dropped theirs.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// SlabSize is large enough to hold any shred payload (spec.md §4.2's
// MaxSize is 1280 bytes of datagram, leaving well under 1500 bytes of
// payload once the common header is stripped).
const SlabSize = 1500

// Buffer is a pooled, reference-counted byte slab. The zero value is not
// usable; obtain one from Pool.Get.
type Buffer struct {
	Data []byte

	pool     *Pool
	refcount int32
}

// Retain adds a reference. Call it once per additional holder before
// handing the buffer to another component.
func (b *Buffer) Retain() {
	atomic.AddInt32(&b.refcount, 1)
}

// Release drops a reference. Once the last holder releases, the slab is
// reset and returned to the pool.
func (b *Buffer) Release() {
	if atomic.AddInt32(&b.refcount, -1) == 0 {
		b.Data = b.Data[:0]
		b.pool.put(b)
	}
}

// Pool hands out SlabSize-capacity buffers, each starting with a single
// reference owned by the caller of Get.
type Pool struct {
	sync.Pool
}

// New constructs an empty slab pool.
func New() *Pool {
	p := &Pool{}
	p.Pool.New = func() any {
		return &Buffer{Data: make([]byte, 0, SlabSize)}
	}
	return p
}

// Get returns a buffer with a single reference held by the caller.
func (p *Pool) Get() *Buffer {
	b := p.Pool.Get().(*Buffer)
	b.pool = p
	b.refcount = 1
	return b
}

func (p *Pool) put(b *Buffer) {
	p.Pool.Put(b)
}

// Package buffer implements the byte storage used to move data between guests
// and host sockets.
//
// Storage is owned by a Pool, which optionally enforces a budget on the number
// of bytes handed out. Consumers that only partially use a buffer keep a View
// on it and trim the view as data is consumed, so partially-sent data never
// needs to be copied.
package buffer

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

const DefaultSize = 4096

type Buffer struct {
	Data []byte
	held int64
}

func (buf *Buffer) Size() int64 {
	return int64(len(buf.Data))
}

// Pool recycles buffers. The zero value is a pool without a budget.
type Pool struct {
	pool  sync.Pool
	limit int64
	inuse atomic.Int64
}

// NewPool constructs a pool which refuses TryGet calls that would bring the
// number of outstanding bytes above limit. A limit of zero means no limit.
func NewPool(limit int64) *Pool {
	return &Pool{limit: limit}
}

// Get returns a buffer of the given size, regardless of the pool budget.
func (p *Pool) Get(size int64) *Buffer {
	b := p.get(size)
	b.held = Align(size, DefaultSize)
	p.inuse.Add(b.held)
	return b
}

// TryGet returns a buffer of the given size, or nil if the pool budget does
// not allow it.
func (p *Pool) TryGet(size int64) *Buffer {
	held := Align(size, DefaultSize)
	for {
		inuse := p.inuse.Load()
		if p.limit > 0 && inuse+held > p.limit {
			return nil
		}
		if p.inuse.CompareAndSwap(inuse, inuse+held) {
			break
		}
	}
	b := p.get(size)
	b.held = held
	return b
}

func (p *Pool) get(size int64) *Buffer {
	b, _ := p.pool.Get().(*Buffer)
	if b != nil {
		if int(size) <= cap(b.Data) {
			b.Data = b.Data[:size]
			return b
		}
		p.pool.Put(b)
	}
	return New(size)
}

func (p *Pool) Put(b *Buffer) {
	if b != nil {
		p.inuse.Add(-b.held)
		b.held = 0
		p.pool.Put(b)
	}
}

// InUse returns the number of bytes currently handed out by the pool.
func (p *Pool) InUse() int64 {
	return p.inuse.Load()
}

// Limit returns the budget of the pool, zero means unlimited.
func (p *Pool) Limit() int64 {
	return p.limit
}

func New(size int64) *Buffer {
	return &Buffer{Data: make([]byte, size, Align(size, DefaultSize))}
}

func Release(buf **Buffer, pool *Pool) {
	if b := *buf; b != nil {
		*buf = nil
		pool.Put(b)
	}
}

func Align(size, to int64) int64 {
	return ((size + (to - 1)) / to) * to
}

// View is a window over pool-owned storage. The window start only ever moves
// forward, and never past the end of the data it was created with.
//
// Addr is set on views holding a datagram, it carries the destination the
// datagram must be sent to (the zero value means the connected peer).
type View struct {
	Addr netip.AddrPort

	pool   *Pool
	buf    *Buffer
	offset int
	length int
}

// Copy returns a view over a copy of b in storage obtained from the pool.
func (p *Pool) Copy(b []byte) *View {
	buf := p.Get(int64(len(b)))
	copy(buf.Data, b)
	return &View{pool: p, buf: buf, length: len(b)}
}

// Bytes returns the bytes remaining in the view.
func (v *View) Bytes() []byte {
	if v.buf == nil {
		return nil
	}
	return v.buf.Data[v.offset : v.offset+v.length]
}

// Len returns the number of bytes remaining in the view.
func (v *View) Len() int {
	return v.length
}

// Offset returns how many bytes were trimmed from the front of the view.
func (v *View) Offset() int {
	return v.offset
}

// Trim removes n bytes from the front of the view.
func (v *View) Trim(n int) {
	if n < 0 || n > v.length {
		panic("BUG: buffer view trimmed out of bounds")
	}
	v.offset += n
	v.length -= n
}

// Release returns the storage of the view to its pool. Releasing a view more
// than once is a no-op.
func (v *View) Release() {
	if v.buf != nil {
		Release(&v.buf, v.pool)
		v.length = 0
	}
}

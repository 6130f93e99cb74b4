// Package chunk provides fixed-size scratch buffers for header composition.
package chunk

import (
	"sync"
	"sync/atomic"
)

const (
	DefaultSize     = 4096
	DefaultHighMark = 1024
)

// Pool hands out buffers of one fixed size. Get returns nil once HighMark
// buffers are outstanding, which callers treat as an allocation failure.
type Pool struct {
	size     int
	highMark int64
	inUse    atomic.Int64
	pool     sync.Pool
}

func NewPool(size, highMark int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if highMark <= 0 {
		highMark = DefaultHighMark
	}
	p := &Pool{size: size, highMark: int64(highMark)}
	p.pool.New = func() any {
		b := make([]byte, p.size)
		return &b
	}
	return p
}

// Size returns the length of every buffer handed out by the pool.
func (p *Pool) Size() int {
	return p.size
}

// Get returns a buffer of Size bytes, or nil if too many are in use.
func (p *Pool) Get() []byte {
	if p.inUse.Add(1) > p.highMark {
		p.inUse.Add(-1)
		return nil
	}
	return *p.pool.Get().(*[]byte)
}

// Put returns a buffer obtained from Get.
func (p *Pool) Put(b []byte) {
	if b == nil {
		return
	}
	if cap(b) != p.size {
		panic("chunk: foreign buffer returned to pool")
	}
	b = b[:p.size]
	p.inUse.Add(-1)
	p.pool.Put(&b)
}

// InUse reports the number of outstanding buffers.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// File: pool/bufferpool.go
// Package pool implements the byte-buffer pool used by channel reads.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Heap buffers are served from per-size-class freelist channels; direct
// buffers come from the mcache power-of-two caches, which keeps them
// out of ordinary GC churn.

package pool

import (
	"sync"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/momentics/hioload-tcp/api"
)

const classCapacity = 1024

// Pool implements api.BufferPool.
type Pool struct {
	mu      sync.Mutex
	classes map[int]chan []byte

	acquires int64
	releases int64
}

var _ api.BufferPool = (*Pool)(nil)

// New creates an empty pool; size classes materialize on first use.
func New() *Pool {
	return &Pool{classes: make(map[int]chan []byte)}
}

// Acquire implements api.BufferPool. The returned buffer has length
// size exactly.
func (p *Pool) Acquire(size int, direct bool) []byte {
	atomic.AddInt64(&p.acquires, 1)
	if size <= 0 {
		return nil
	}
	if direct {
		return mcache.Malloc(size)
	}
	cls := classFor(size)
	select {
	case buf := <-p.class(cls):
		return buf[:size]
	default:
		return make([]byte, size, cls)
	}
}

// Release implements api.BufferPool. Buffers whose capacity matches a
// size class go back to the freelist; everything else (and freelist
// overflow) is handed to mcache.
func (p *Pool) Release(buf []byte) {
	atomic.AddInt64(&p.releases, 1)
	c := cap(buf)
	if c == 0 {
		return
	}
	if c&(c-1) == 0 {
		select {
		case p.class(c) <- buf[:c]:
			return
		default:
		}
	}
	mcache.Free(buf)
}

// Balance returns acquires minus releases; zero across any finite run
// means every buffer came back.
func (p *Pool) Balance() int64 {
	return atomic.LoadInt64(&p.acquires) - atomic.LoadInt64(&p.releases)
}

func (p *Pool) class(size int) chan []byte {
	p.mu.Lock()
	ch, ok := p.classes[size]
	if !ok {
		ch = make(chan []byte, classCapacity)
		p.classes[size] = ch
	}
	p.mu.Unlock()
	return ch
}

// classFor rounds size up to the next power of two.
func classFor(size int) int {
	c := 1
	for c < size {
		c <<= 1
	}
	return c
}

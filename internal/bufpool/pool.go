// Package bufpool implements a bounded pool of fixed-size, 32-byte-aligned
// scratch buffers. One Pool is meant to be owned by a single worker
// goroutine/core; sharing a Pool across cores reintroduces the free-list
// contention the design explicitly avoids (see SPEC_FULL.md §4.A).
package bufpool

import (
	"sync"
	"unsafe"
)

// alignment is the vector-load alignment SIMD primitives in internal/simd
// want their operands aligned to.
const alignment = 32

// Stats is a point-in-time snapshot of pool activity. Allocations and
// Recycles are monotonic counters; Peak is a high-water mark.
type Stats struct {
	Allocations uint64 // fresh buffers allocated because the free list was empty
	Recycles    uint64 // buffers returned to, and later served from, the free list
	Peak        int    // maximum number of buffers concurrently outstanding
}

// Pool is a bounded free list of fixed-size buffers. The zero value is not
// usable; construct with New.
type Pool struct {
	mu        sync.Mutex
	size      int
	growthCap int
	free      [][]byte

	allocations uint64
	recycles    uint64
	outstanding int
	peak        int
}

// New returns a Pool that hands out buffers of exactly size bytes, growing
// lazily up to growthCap buffers before it starts releasing returned
// buffers to the garbage collector instead of retaining them.
func New(size, growthCap int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	if growthCap <= 0 {
		growthCap = 1
	}
	return &Pool{
		size:      size,
		growthCap: growthCap,
	}
}

// Handle is a scoped, owned reference to a pooled buffer. The zero value is
// not usable. A Handle must not be used concurrently from multiple
// goroutines, and must not be read after Release.
type Handle struct {
	pool *Pool
	buf  []byte
}

// Bytes returns the buffer's backing slice. The slice is exactly the size
// requested of the Pool, and is guaranteed zeroed at the moment Acquire
// returned it.
func (h *Handle) Bytes() []byte {
	return h.buf
}

// Release returns the buffer to its owning Pool's free list. After Release,
// the Handle must not be used again. Release clears the Handle's buffer
// reference, so a second call on the same Handle is a no-op and does not
// return the buffer to the free list twice.
func (h *Handle) Release() {
	if h.buf == nil {
		return
	}
	h.pool.put(h.buf)
	h.buf = nil
}

// Acquire returns a Handle wrapping a zeroed buffer of the Pool's
// configured size. Acquire never fails in normal operation: when the free
// list is empty it allocates a fresh aligned buffer.
func (p *Pool) Acquire() *Handle {
	buf := p.get()
	zero(buf)
	return &Handle{pool: p, buf: buf}
}

func (p *Pool) get() []byte {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		p.allocOne()
		p.mu.Lock()
		p.outstanding++
		if p.outstanding > p.peak {
			p.peak = p.outstanding
		}
		p.mu.Unlock()
		return alignedAlloc(p.size)
	}
	buf := p.free[n-1]
	p.free = p.free[:n-1]
	p.recycles++
	p.outstanding++
	if p.outstanding > p.peak {
		p.peak = p.outstanding
	}
	p.mu.Unlock()
	return buf
}

func (p *Pool) allocOne() {
	p.mu.Lock()
	p.allocations++
	p.mu.Unlock()
}

func (p *Pool) put(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding > 0 {
		p.outstanding--
	}
	if len(p.free) >= p.growthCap {
		// Pool is at capacity; let the GC reclaim this one.
		return
	}
	p.free = append(p.free, buf)
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Allocations: p.allocations,
		Recycles:    p.recycles,
		Peak:        p.peak,
	}
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// alignedAlloc returns a size-byte slice whose first element starts on an
// `alignment`-byte boundary, by over-allocating and slicing.
func alignedAlloc(size int) []byte {
	raw := make([]byte, size+alignment)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	offset := (alignment - int(addr%alignment)) % alignment
	return raw[offset : offset+size : offset+size]
}

package bufpool

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func isAligned(buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&buf[0]))%alignment == 0
}

func TestAcquireIsZeroed(t *testing.T) {
	require := require.New(t)
	p := New(1024, 4)

	h := p.Acquire()
	buf := h.Bytes()
	require.Len(buf, 1024)
	for _, b := range buf {
		require.Zero(b)
	}

	for i := range buf {
		buf[i] = 0xff
	}
	h.Release()

	h2 := p.Acquire()
	for _, b := range h2.Bytes() {
		require.Zero(b, "recycled buffer observed dirty before caller could see it")
	}
}

func TestGrowthCapReleasesExcessToGC(t *testing.T) {
	require := require.New(t)
	p := New(64, 1)

	h1 := p.Acquire()
	h2 := p.Acquire()
	h1.Release()
	h2.Release()

	stats := p.Stats()
	require.Equal(uint64(2), stats.Allocations)
	require.Len(p.free, 1, "only growthCap buffers are retained; the excess one is dropped")
}

func TestAlignment(t *testing.T) {
	require := require.New(t)
	p := New(512, 8)
	for i := 0; i < 16; i++ {
		h := p.Acquire()
		require.True(isAligned(h.Bytes()))
		h.Release()
	}
}

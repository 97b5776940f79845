// Package simd provides constant-time, bounds-safe XOR/copy/zero
// primitives over byte slices. All three are portable Go loops with no
// vectorised code path: XorInto works eight bytes per step and finishes
// byte by byte. At process start the package records in Width the vector
// width the detected CPU features would allow; the primitives do not
// consult it.
package simd

import (
	"golang.org/x/sys/cpu"
)

// Width reports the vector width, in bytes, the detected CPU features
// support: 32 with AVX2, 16 with SSE2 or ARM64 ASIMD, otherwise 1. It is
// informational only; XorInto, FillZero and Copy run the same loops
// whatever its value.
var Width = scalarWidth

const (
	scalarWidth = 1
	wideWidth   = 32
	narrowWidth = 16
)

func init() {
	switch {
	case cpu.X86.HasAVX2:
		Width = wideWidth
	case cpu.X86.HasSSE2, cpu.ARM64.HasASIMD:
		Width = narrowWidth
	default:
		Width = scalarWidth
	}
}

// XorInto XORs src into dst in place: dst[i] ^= src[i] for i in
// [0, min(len(dst), len(src))). It never reads or writes outside either
// slice's bounds.
func XorInto(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	i := 0
	for ; i+8 <= n; i += 8 {
		d := dst[i : i+8 : i+8]
		s := src[i : i+8 : i+8]
		d[0] ^= s[0]
		d[1] ^= s[1]
		d[2] ^= s[2]
		d[3] ^= s[3]
		d[4] ^= s[4]
		d[5] ^= s[5]
		d[6] ^= s[6]
		d[7] ^= s[7]
	}
	for ; i < n; i++ {
		dst[i] ^= src[i]
	}
}

// FillZero clears dst to all-zero bytes.
func FillZero(dst []byte) {
	for i := range dst {
		dst[i] = 0
	}
}

// Copy copies min(len(dst), len(src)) bytes from src to dst and returns the
// number of bytes copied, matching the stdlib copy builtin's contract.
func Copy(dst, src []byte) int {
	return copy(dst, src)
}

package utils

import (
	"math"
	"os"
	"strconv"
	"unsafe"
)

///////////////////////////////////////////////////////////////////////////////
// Diagnostics Output - Cold Path Only
///////////////////////////////////////////////////////////////////////////////

// PrintWarning writes msg to stderr without copying it.
// Write errors are ignored; stderr is the last resort channel.
//
//go:nosplit
//go:inline
func PrintWarning(msg string) {
	if len(msg) == 0 {
		return
	}
	_, _ = os.Stderr.Write(unsafe.Slice(unsafe.StringData(msg), len(msg)))
}

// Itoa renders a non-negative int in decimal. Negative input is rendered
// with a leading '-'.
//
//go:nosplit
//go:inline
func Itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	u := uint64(n)
	if neg {
		u = uint64(-n)
	}
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Ftoa renders a float with up to ten significant digits, the precision
// used when printing tapes.
//
//go:nosplit
//go:inline
func Ftoa(f float64) string {
	var buf [32]byte
	return string(strconv.AppendFloat(buf[:0], f, 'g', 10, 64))
}

///////////////////////////////////////////////////////////////////////////////
// Sizing Helpers
///////////////////////////////////////////////////////////////////////////////

// NextPow2 returns the smallest power of two >= n (1 for n <= 1).
//
//go:nosplit
//go:inline
func NextPow2(n int) int {
	s := 1
	for s < n {
		s <<= 1
	}
	return s
}

// SameBits reports whether two floats carry identical bit patterns.
// NaN payloads compare equal to themselves, unlike ==.
//
//go:nosplit
//go:inline
func SameBits(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}

///////////////////////////////////////////////////////////////////////////////
// Hash & Mixers - For Pair Indexing
///////////////////////////////////////////////////////////////////////////////

// Mix64 applies a Murmur3-style avalanche to a 64-bit value.
// Used to spread packed (i, j) pair keys over a power-of-two table.
//
//go:nosplit
//go:inline
func Mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

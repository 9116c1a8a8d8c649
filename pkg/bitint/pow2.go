// SPDX-License-Identifier: MIT

// Package bitint holds the power-of-two helpers used to size FFT windows.
// All functions are allocation free and constant time.
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of 2 >= n, or 1 for n <= 1.
//
// The subtraction matters: bits.Len(8) is 4, but bits.Len(8-1) is 3, so an
// exact power of two maps to itself instead of doubling.
func NextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// PrevPowerOfTwo returns the largest power of 2 <= n, or 0 for n <= 0.
func PrevPowerOfTwo(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 << (bits.Len(uint(n)) - 1)
}

// IsPowerOfTwo reports whether n is a positive power of 2. A power of two
// has exactly one bit set, so clearing the lowest set bit leaves zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NearestPowerOfTwo returns whichever neighbouring power of 2 is closer to
// n, preferring the larger on a tie. It is used to suggest a valid FFT size.
func NearestPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	lo, hi := PrevPowerOfTwo(n), NextPowerOfTwo(n)
	if n-lo < hi-n {
		return lo
	}
	return hi
}

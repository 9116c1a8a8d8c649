// SPDX-License-Identifier: MIT
package bitint

import (
	"fmt"
	"testing"
)

func TestPowersOfTwo(t *testing.T) {
	tests := []struct {
		n                int
		next, prev, near int
		is               bool
	}{
		{-10, 1, 0, 1, false},
		{0, 1, 0, 1, false},
		{1, 1, 1, 1, true},
		{3, 4, 2, 4, false},
		{8, 8, 8, 8, true},
		{10, 16, 8, 8, false},
		{12, 16, 8, 16, false}, // Tie goes up.
		{1000, 1024, 512, 1024, false},
		{4096, 4096, 4096, 4096, true},
		{5000, 8192, 4096, 4096, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			if got := NextPowerOfTwo(tt.n); got != tt.next {
				t.Errorf("NextPowerOfTwo(%d) = %d, want %d", tt.n, got, tt.next)
			}
			if got := PrevPowerOfTwo(tt.n); got != tt.prev {
				t.Errorf("PrevPowerOfTwo(%d) = %d, want %d", tt.n, got, tt.prev)
			}
			if got := NearestPowerOfTwo(tt.n); got != tt.near {
				t.Errorf("NearestPowerOfTwo(%d) = %d, want %d", tt.n, got, tt.near)
			}
			if got := IsPowerOfTwo(tt.n); got != tt.is {
				t.Errorf("IsPowerOfTwo(%d) = %v, want %v", tt.n, got, tt.is)
			}
		})
	}
}

func TestZeroAllocs(t *testing.T) {
	allocs := testing.AllocsPerRun(100, func() {
		_ = NextPowerOfTwo(1000)
		_ = PrevPowerOfTwo(1000)
		_ = NearestPowerOfTwo(1000)
		_ = IsPowerOfTwo(1024)
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations, got %.1f", allocs)
	}
}

func BenchmarkNextPowerOfTwo(b *testing.B) {
	for b.Loop() {
		_ = NextPowerOfTwo(3000)
	}
}

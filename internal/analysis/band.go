package analysis

import (
	"errors"
	"fmt"
	"math"
)

// ErrBandOutOfRange is returned when no FFT bin falls inside the search band.
var ErrBandOutOfRange = errors.New("analysis: frequency band outside the analyzable range")

// Band limits the peak search to plausible engine and tyre noise. Bins
// outside it are ignored so that rumble and hiss cannot win.
type Band struct {
	LowHz  float64
	HighHz float64
}

// FullBand searches everything from DC to Nyquist.
var FullBand = Band{LowHz: 0, HighHz: math.Inf(1)}

// bins returns the inclusive bin range of a size-point transform at the
// given sample rate that lies inside the band.
func (b Band) bins(sampleRate, size int) (lo, hi int, err error) {
	resolution := float64(sampleRate) / float64(size)
	last := size / 2

	lo = int(math.Ceil(b.LowHz / resolution))
	if lo < 0 {
		lo = 0
	}
	hi = last
	if !math.IsInf(b.HighHz, 1) {
		hi = min(last, int(math.Floor(b.HighHz/resolution)))
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("%w: [%.1f, %.1f] Hz at %d Hz / %d points",
			ErrBandOutOfRange, b.LowHz, b.HighHz, sampleRate, size)
	}
	return lo, hi, nil
}

// peakInBand finds the strongest bin in magnitudes[lo:hi+1] and refines it
// by parabolic interpolation against its neighbours.
func peakInBand(magnitudes []float64, lo, hi, sampleRate, size int) (freq, mag float64) {
	k := lo
	for i := lo + 1; i <= hi; i++ {
		if magnitudes[i] > magnitudes[k] {
			k = i
		}
	}

	resolution := float64(sampleRate) / float64(size)
	if k == 0 || k >= len(magnitudes)-1 {
		return float64(k) * resolution, magnitudes[k]
	}

	a, b, c := magnitudes[k-1], magnitudes[k], magnitudes[k+1]
	denom := a - 2*b + c
	if denom == 0 {
		return float64(k) * resolution, b
	}
	delta := 0.5 * (a - c) / denom
	return (float64(k) + delta) * resolution, b - 0.25*(a-c)*delta
}

// segments returns how many size-sample blocks, stepping by half a block,
// cover n samples and the step between them. Inputs no longer than one block
// are a single block.
func segments(n, size int) (count, hop int) {
	hop = max(1, size/2)
	if n <= size {
		return 1, hop
	}
	return 1 + (n-size)/hop, hop
}

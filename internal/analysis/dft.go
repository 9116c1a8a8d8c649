package analysis

import (
	"math"
)

// DFTEngine is the degraded fallback engine. It evaluates a direct DFT only
// for the bins inside its band, windowed like the FFT engine. It is slower
// than the FFT engine and does not use the transform library, so it stays
// available when the FFT path fails.
type DFTEngine struct {
	size       int
	windowType WindowFunc
	window     []float64
	band       Band
}

var _ Engine = (*DFTEngine)(nil)

// NewDFTEngine returns a direct DFT engine of the given block size.
func NewDFTEngine(size int, windowType WindowFunc, band Band) *DFTEngine {
	if size <= 0 {
		size = 1024
	}
	coeffs := make([]float64, size)
	applyWindow(coeffs, windowType)
	return &DFTEngine{size: size, windowType: windowType, window: coeffs, band: band}
}

func (e *DFTEngine) Name() string { return "dft" }

func (e *DFTEngine) Analyze(samples []float32, sampleRate int) (Peak, error) {
	if err := validateInput(samples, sampleRate); err != nil {
		return Peak{}, err
	}
	lo, hi, err := e.band.bins(sampleRate, e.size)
	if err != nil {
		return Peak{}, err
	}

	// One slot either side of the band for interpolation.
	first := max(0, lo-1)
	last := min(e.size/2, hi+1)
	magnitude := make([]float64, e.size/2+1)

	count, hop := segments(len(samples), e.size)
	for seg := range count {
		off := seg * hop
		block := samples[off:min(len(samples), off+e.size)]
		coeffs := e.window
		if len(block) < e.size {
			coeffs = make([]float64, len(block))
			applyWindow(coeffs, e.windowType)
		}
		for k := first; k <= last; k++ {
			var re, im float64
			w := 2 * math.Pi * float64(k) / float64(e.size)
			for i, s := range block {
				x := float64(s) * coeffs[i]
				re += x * math.Cos(w*float64(i))
				im -= x * math.Sin(w*float64(i))
			}
			magnitude[k] += math.Hypot(re, im)
		}
	}

	scale := 1 / float64(count)
	for k := first; k <= last; k++ {
		magnitude[k] *= scale
	}

	freq, mag := peakInBand(magnitude, lo, hi, sampleRate, e.size)
	return Peak{Frequency: freq, Magnitude: mag, RMS: RMS(samples)}, nil
}

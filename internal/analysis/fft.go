// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math/cmplx"
	"strings"
	"sync"

	applog "doppler/internal/log"
	"doppler/pkg/bitint"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

var logger = applog.New("analysis")

// WindowFunc defines the type for selecting an FFT window function.
type WindowFunc int

// Enum for available window functions.
const (
	BartlettHann WindowFunc = iota
	Blackman
	BlackmanNuttall
	Hann
	Hamming
	Lanczos
	Nuttall
)

func (w WindowFunc) String() string {
	switch w {
	case BartlettHann:
		return "BartlettHann"
	case Blackman:
		return "Blackman"
	case BlackmanNuttall:
		return "BlackmanNuttall"
	case Hann:
		return "Hann"
	case Hamming:
		return "Hamming"
	case Lanczos:
		return "Lanczos"
	case Nuttall:
		return "Nuttall"
	default:
		return fmt.Sprintf("WindowFunc(%d)", int(w))
	}
}

// Pre-allocated buffers for FFT calculations.
type fftWorkspace struct {
	input     []float64    // Windowed input signal.
	fftOutput []complex128 // FFT complex results.
	magnitude []float64    // Magnitudes averaged over all blocks.
	window    []float64    // Pre-calculated window coefficients.
	mu        sync.Mutex   // Serializes Analyze calls sharing the buffers.
}

// FFTEngine finds the dominant frequency of a block with a real FFT.
//
// Blocks shorter than the FFT size are windowed at their own length and
// zero-padded. Longer blocks are split into half-overlapping windows whose
// magnitude spectra are averaged before the peak search, so one call can
// summarize a whole approach or recede section.
//
// Magnitudes are left unnormalized: a sine of amplitude A under a Hamming
// window reads roughly A*0.54*N/2 at its peak bin. The estimator's magnitude
// threshold is expressed on this scale.
type FFTEngine struct {
	fftCalculator *fourier.FFT // Reusable FFT calculator instance.
	fftSize       int          // Number of points for the FFT (power of 2).
	windowType    WindowFunc
	band          Band
	workspace     fftWorkspace
}

var _ Engine = (*FFTEngine)(nil)

// NewFFTEngine returns an engine of the given size and window that searches
// for peaks inside band.
func NewFFTEngine(fftSize int, windowType WindowFunc, band Band) (*FFTEngine, error) {
	if !bitint.IsPowerOfTwo(fftSize) {
		return nil, fmt.Errorf("fft size must be a power of 2, got %d (try %d)", fftSize, bitint.NextPowerOfTwo(fftSize))
	}
	if band.HighHz <= band.LowHz {
		return nil, fmt.Errorf("empty frequency band [%.1f, %.1f]", band.LowHz, band.HighHz)
	}

	windowCoeffs := make([]float64, fftSize)
	applyWindow(windowCoeffs, windowType)

	// FFT output size for real input is N/2 + 1 complex values.
	magnitudeSize := fftSize/2 + 1

	logger.Debugf("fft engine (size %d, window %v, band %.0f-%.0f Hz)", fftSize, windowType, band.LowHz, band.HighHz)

	return &FFTEngine{
		fftCalculator: fourier.NewFFT(fftSize),
		fftSize:       fftSize,
		windowType:    windowType,
		band:          band,
		workspace: fftWorkspace{
			input:     make([]float64, fftSize),
			fftOutput: make([]complex128, magnitudeSize),
			magnitude: make([]float64, magnitudeSize),
			window:    windowCoeffs,
		},
	}, nil
}

// Name implements Engine.
func (e *FFTEngine) Name() string { return "fft" }

// Size returns the configured FFT size.
func (e *FFTEngine) Size() int { return e.fftSize }

// Analyze implements Engine.
func (e *FFTEngine) Analyze(samples []float32, sampleRate int) (Peak, error) {
	if err := validateInput(samples, sampleRate); err != nil {
		return Peak{}, err
	}
	lo, hi, err := e.band.bins(sampleRate, e.fftSize)
	if err != nil {
		return Peak{}, err
	}

	e.workspace.mu.Lock()
	defer e.workspace.mu.Unlock()

	coeffs := e.workspace.window
	if len(samples) < e.fftSize {
		coeffs = make([]float64, len(samples))
		applyWindow(coeffs, e.windowType)
	}

	clear(e.workspace.magnitude)
	count, hop := segments(len(samples), e.fftSize)
	for seg := range count {
		off := seg * hop
		block := samples[off:min(len(samples), off+e.fftSize)]
		for i := range e.fftSize {
			if i < len(block) {
				e.workspace.input[i] = float64(block[i]) * coeffs[i]
			} else {
				e.workspace.input[i] = 0 // Zero-padding.
			}
		}

		e.fftCalculator.Coefficients(e.workspace.fftOutput, e.workspace.input)

		for i, c := range e.workspace.fftOutput {
			e.workspace.magnitude[i] += cmplx.Abs(c)
		}
	}

	scale := 1 / float64(count)
	for i := range e.workspace.magnitude {
		e.workspace.magnitude[i] *= scale
	}

	freq, mag := peakInBand(e.workspace.magnitude, lo, hi, sampleRate, e.fftSize)
	return Peak{Frequency: freq, Magnitude: mag, RMS: RMS(samples)}, nil
}

// ParseWindowFunc converts a string name (case-insensitive) to a WindowFunc
// enum, returns a known default (Hann) and an error if the name is unknown.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(name) {
	case "bartletthann":
		return BartlettHann, nil
	case "blackman":
		return Blackman, nil
	case "blackmannuttall":
		return BlackmanNuttall, nil
	case "hann", "hanning":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "lanczos":
		return Lanczos, nil
	case "nuttall":
		return Nuttall, nil
	default:
		return Hann, fmt.Errorf("unknown FFT window function name: '%s'", name)
	}
}

// applyWindow fills coeffs with the selected window function. Unknown types
// fall back to Hann.
func applyWindow(coeffs []float64, windowType WindowFunc) {
	// The gonum window funcs scale in place, so start from ones.
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	if len(coeffs) < 2 {
		return
	}
	switch windowType {
	case BartlettHann:
		window.BartlettHann(coeffs)
	case Blackman:
		window.Blackman(coeffs)
	case BlackmanNuttall:
		window.BlackmanNuttall(coeffs)
	case Hann:
		window.Hann(coeffs)
	case Hamming:
		window.Hamming(coeffs)
	case Lanczos:
		window.Lanczos(coeffs)
	case Nuttall:
		window.Nuttall(coeffs)
	default:
		logger.Warnf("unknown window function type %d, defaulting to Hann", windowType)
		window.Hann(coeffs)
	}
}

package doppler

import "doppler/internal/analysis"

// History is the ordered spectral track of one session. Frames that look
// like silence or noise never enter it. It is owned by a single goroutine.
type History struct {
	magnitudeThreshold float64
	rmsThreshold       float64

	frames      []analysis.SpectralFrame
	offered     int
	baseline    float64
	hasBaseline bool
}

// NewHistory returns an empty history with the given signal-presence gate.
func NewHistory(magnitudeThreshold, rmsThreshold float64) *History {
	return &History{
		magnitudeThreshold: magnitudeThreshold,
		rmsThreshold:       rmsThreshold,
	}
}

// Offer appends the frame if it clears the signal-presence gate and reports
// whether it did. The first accepted frame fixes the baseline frequency.
func (h *History) Offer(f analysis.SpectralFrame) bool {
	h.offered++
	if f.PeakMagnitude < h.magnitudeThreshold || f.RMS < h.rmsThreshold {
		return false
	}
	if !h.hasBaseline {
		h.baseline = f.PeakFrequency
		h.hasBaseline = true
	}
	h.frames = append(h.frames, f)
	return true
}

// Len returns the number of accepted frames.
func (h *History) Len() int { return len(h.frames) }

// Offered returns the number of frames offered, accepted or not.
func (h *History) Offered() int { return h.offered }

// Baseline returns the first accepted peak frequency.
func (h *History) Baseline() (float64, bool) { return h.baseline, h.hasBaseline }

// Frequencies returns the accepted peak frequencies in arrival order.
func (h *History) Frequencies() []float64 {
	out := make([]float64, len(h.frames))
	for i, f := range h.frames {
		out[i] = f.PeakFrequency
	}
	return out
}

// Frames returns a copy of the accepted frames.
func (h *History) Frames() []analysis.SpectralFrame {
	return append([]analysis.SpectralFrame(nil), h.frames...)
}

// Reset clears the history and its baseline for the next session.
func (h *History) Reset() {
	h.frames = nil
	h.offered = 0
	h.baseline = 0
	h.hasBaseline = false
}

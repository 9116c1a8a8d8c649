// SPDX-License-Identifier: MIT

// Package doppler turns the spectral track of a recorded pass into a speed.
//
// Estimation is a fixed sequence of gates. The first gate that fails decides
// the outcome, so every recording yields exactly one of an Estimate or a
// Failure.
package doppler

import (
	"math"

	"doppler/internal/analysis"
	"doppler/internal/config"
)

// Strategy names where the approach and recede frequencies came from.
type Strategy string

const (
	StrategySections  Strategy = config.EstimateSections
	StrategyStreaming Strategy = config.EstimateStreaming
)

// msToKmh converts metres per second to kilometres per hour.
const msToKmh = 3.6

// SectionPeaks holds the independently analyzed approach and recede peaks.
type SectionPeaks struct {
	Approach analysis.Peak
	Recede   analysis.Peak
}

// Estimate is a successful speed estimate.
type Estimate struct {
	Kmh        float64
	Confidence float64 // 0..1, informational.
	Strategy   Strategy
	ApproachHz float64
	RecedeHz   float64
	ShiftHz    float64
	DecreaseHz float64
	Frames     int
}

// Result holds exactly one of Estimate or Failure.
type Result struct {
	Estimate *Estimate
	Failure  *Failure
}

// Err returns the failure as an error, or nil for an estimate.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// OK reports whether the result carries an estimate.
func (r Result) OK() bool { return r.Estimate != nil }

// Code returns the failure code, or "" for an estimate.
func (r Result) Code() Code {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Code()
}

func failed(f *Failure) Result { return Result{Failure: f} }

// SpeedKmh applies the two-frequency Doppler relation for a source passing a
// stationary observer. The emitted frequency cancels out, so only the
// observed approach and recede frequencies are needed.
func SpeedKmh(approachHz, recedeHz, speedOfSound float64) float64 {
	sum := approachHz + recedeHz
	if sum <= 0 {
		return 0
	}
	return speedOfSound * (approachHz - recedeHz) / sum * msToKmh
}

// Estimator evaluates the gates with the configured policy values.
type Estimator struct {
	cfg config.EstimatorConfig
}

// NewEstimator returns an estimator for cfg.
func NewEstimator(cfg config.EstimatorConfig) *Estimator {
	return &Estimator{cfg: cfg}
}

// NewHistory returns a history using this estimator's signal-presence gate.
func (e *Estimator) NewHistory() *History {
	return NewHistory(e.cfg.MagnitudeThreshold, e.cfg.RMSThreshold)
}

// Estimate runs the gates over h. With peaks the speed comes from the two
// section peaks; without, from the extremes of the smoothed track.
func (e *Estimator) Estimate(h *History, peaks *SectionPeaks) Result {
	n := h.Len()
	if n < e.cfg.MinHistoryFrames {
		return failed(fail(InsufficientData, "%d frames with signal, need %d", n, e.cfg.MinHistoryFrames))
	}
	if _, ok := h.Baseline(); !ok {
		return failed(fail(NoVehicleDetected, "no frame cleared the signal gate"))
	}

	smoothed := analysis.MovingAverage(h.Frequencies(), e.cfg.SmoothingWindow)
	hi, lo := extremes(smoothed)

	shift := hi - lo
	if shift < e.cfg.MinShiftHz {
		return failed(fail(NoClearDopplerPattern, "shift %.1f Hz below %.1f Hz", shift, e.cfg.MinShiftHz))
	}

	// Config validation keeps the history at four frames or more.
	q := len(smoothed) / 4
	decrease := mean(smoothed[:q]) - mean(smoothed[len(smoothed)-q:])
	if decrease < e.cfg.MinDecreaseHz {
		return failed(fail(NoClearDopplerPattern, "decrease %.1f Hz below %.1f Hz", decrease, e.cfg.MinDecreaseHz))
	}

	est := &Estimate{
		Strategy:   StrategyStreaming,
		ApproachHz: hi,
		RecedeHz:   lo,
		ShiftHz:    shift,
		DecreaseHz: decrease,
		Frames:     n,
	}
	if peaks != nil {
		est.Strategy = StrategySections
		est.ApproachHz = peaks.Approach.Frequency
		est.RecedeHz = peaks.Recede.Frequency
	}
	est.Kmh = SpeedKmh(est.ApproachHz, est.RecedeHz, e.cfg.SpeedOfSound)

	if est.Kmh <= e.cfg.MinPlausibleKmh {
		return failed(fail(VehicleTooSlowOrStationary, "%.1f km/h", est.Kmh))
	}
	if est.Kmh > e.cfg.MaxPlausibleKmh {
		return failed(fail(VehicleTooFast, "%.1f km/h above %.0f km/h", est.Kmh, e.cfg.MaxPlausibleKmh))
	}

	est.Confidence = e.confidence(est, h)
	return Result{Estimate: est}
}

// confidence rates how clean the pattern was: the share of the shift that is
// a directional fall, weighted by how much of the track carried signal, and
// halved near the edges of the plausible range.
func (e *Estimator) confidence(est *Estimate, h *History) float64 {
	var c float64
	if est.ShiftHz > 0 {
		c = clamp(est.DecreaseHz/est.ShiftHz, 0, 1)
	}

	coverage := 1.0
	if h.Offered() > 0 {
		coverage = float64(h.Len()) / float64(h.Offered())
	}
	c *= 0.5 + 0.5*coverage

	if est.Kmh < e.cfg.MinPlausibleKmh*1.1 || est.Kmh > e.cfg.MaxPlausibleKmh*0.9 {
		c *= 0.5
	}
	return c
}

func extremes(values []float64) (hi, lo float64) {
	hi, lo = math.Inf(-1), math.Inf(1)
	for _, v := range values {
		hi = max(hi, v)
		lo = min(lo, v)
	}
	return hi, lo
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

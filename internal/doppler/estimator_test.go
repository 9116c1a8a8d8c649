// SPDX-License-Identifier: MIT
package doppler

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"doppler/internal/analysis"
	"doppler/internal/config"
)

func estimatorConfig() config.EstimatorConfig {
	return config.Default().Estimator
}

// historyOf builds a history from a frequency series, every frame loud
// enough to clear the signal gate.
func historyOf(freqs ...float64) *History {
	cfg := estimatorConfig()
	h := NewHistory(cfg.MagnitudeThreshold, cfg.RMSThreshold)
	for i, f := range freqs {
		h.Offer(analysis.SpectralFrame{
			Timestamp:     time.Duration(i) * 46 * time.Millisecond,
			PeakFrequency: f,
			PeakMagnitude: 100,
			RMS:           0.1,
		})
	}
	return h
}

// plateaus returns n frames at hi followed by n frames at lo.
func plateaus(hi, lo float64, n int) []float64 {
	out := make([]float64, 0, 2*n)
	for range n {
		out = append(out, hi)
	}
	for range n {
		out = append(out, lo)
	}
	return out
}

func TestSpeedKmh(t *testing.T) {
	const c = 343.0

	// The reference pair; the expected value is whatever the relation gives.
	fa, fr := 867.6, 851.9
	want := c * (fa - fr) / (fa + fr) * 3.6
	if got := SpeedKmh(fa, fr, c); math.Abs(got-want) > 1e-9 {
		t.Errorf("SpeedKmh(%.1f, %.1f) = %.6f, want %.6f", fa, fr, got, want)
	}
	if got := SpeedKmh(fa, fr, c); math.Abs(got-11.274) > 0.001 {
		t.Errorf("SpeedKmh(%.1f, %.1f) = %.4f, want ~11.274", fa, fr, got)
	}

	// A source moving at v gives f0*c/(c-v) and f0*c/(c+v); the relation
	// recovers v exactly whatever f0 is.
	for _, v := range []float64{5, 13.9, 27.8, 40} {
		for _, f0 := range []float64{120, 800, 2500} {
			approach, recede := f0*c/(c-v), f0*c/(c+v)
			if got := SpeedKmh(approach, recede, c); math.Abs(got-v*3.6) > 1e-9 {
				t.Errorf("v=%.1f f0=%.0f: SpeedKmh = %.6f, want %.6f", v, f0, got, v*3.6)
			}
		}
	}

	if got := SpeedKmh(800, 800, c); got != 0 {
		t.Errorf("equal frequencies = %v, want 0", got)
	}
	if got := SpeedKmh(0, 0, c); got != 0 {
		t.Errorf("zero frequencies = %v, want 0", got)
	}
	if got := SpeedKmh(700, 800, c); got >= 0 {
		t.Errorf("rising pitch = %v, want negative", got)
	}
}

func TestKindCodes(t *testing.T) {
	tests := []struct {
		kind Kind
		code Code
	}{
		{TooQuiet, E01},
		{InsufficientData, E01},
		{NoVehicleDetected, E01},
		{InsufficientSignal, E03},
		{VehicleTooSlowOrStationary, E04},
		{Clipped, E08},
		{NoClearDopplerPattern, E09},
		{AnalysisFailed, E09},
		{VehicleTooFast, E10},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.Code(); got != tt.code {
				t.Errorf("%v.Code() = %s, want %s", tt.kind, got, tt.code)
			}
		})
	}

	for i := 1; i <= 10; i++ {
		code := Code(fmt.Sprintf("E%02d", i))
		if code.Message() == "Unknown error" {
			t.Errorf("%s has no message", code)
		}
	}
	if E03.Message() != "Recording too short (<3 seconds)" {
		t.Errorf("E03 message = %q", E03.Message())
	}
}

func TestFailureError(t *testing.T) {
	var err error = fail(NoClearDopplerPattern, "shift %d Hz", 12)

	f, ok := AsFailure(fmt.Errorf("session: %w", err))
	if !ok {
		t.Fatalf("AsFailure() did not find the failure")
	}
	if f.Code() != E09 {
		t.Errorf("Code() = %s", f.Code())
	}
	want := "E09: No clear Doppler pattern found (shift 12 Hz)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if _, ok := AsFailure(errors.New("plain")); ok {
		t.Errorf("AsFailure() matched a plain error")
	}
}

func TestHistory_SilenceExcluded(t *testing.T) {
	cfg := estimatorConfig()
	h := NewHistory(cfg.MagnitudeThreshold, cfg.RMSThreshold)

	for i := range 50 {
		if h.Offer(analysis.SpectralFrame{Timestamp: time.Duration(i)}) {
			t.Fatalf("zero frame %d accepted", i)
		}
	}
	if h.Len() != 0 || h.Offered() != 50 {
		t.Errorf("Len() = %d, Offered() = %d; want 0, 50", h.Len(), h.Offered())
	}
	if _, ok := h.Baseline(); ok {
		t.Errorf("baseline set by silence")
	}
}

func TestHistory_Gate(t *testing.T) {
	cfg := estimatorConfig()
	h := NewHistory(cfg.MagnitudeThreshold, cfg.RMSThreshold)

	tests := []struct {
		name  string
		frame analysis.SpectralFrame
		want  bool
	}{
		{"quiet rms", analysis.SpectralFrame{PeakFrequency: 500, PeakMagnitude: 100, RMS: 0.0005}, false},
		{"weak peak", analysis.SpectralFrame{PeakFrequency: 500, PeakMagnitude: 19, RMS: 0.1}, false},
		{"first signal", analysis.SpectralFrame{PeakFrequency: 820, PeakMagnitude: 20, RMS: 0.001}, true},
		{"second signal", analysis.SpectralFrame{PeakFrequency: 790, PeakMagnitude: 80, RMS: 0.2}, true},
	}
	for _, tt := range tests {
		if got := h.Offer(tt.frame); got != tt.want {
			t.Errorf("%s: Offer() = %v, want %v", tt.name, got, tt.want)
		}
	}

	if base, ok := h.Baseline(); !ok || base != 820 {
		t.Errorf("Baseline() = %v, %v; want 820, true", base, ok)
	}
	if got := h.Frequencies(); len(got) != 2 || got[0] != 820 || got[1] != 790 {
		t.Errorf("Frequencies() = %v", got)
	}

	h.Reset()
	if _, ok := h.Baseline(); ok || h.Len() != 0 || h.Offered() != 0 {
		t.Errorf("Reset() left state behind")
	}
}

func TestEstimate_GateOrder(t *testing.T) {
	symmetric := make([]float64, 0, 40)
	for i := range 20 {
		symmetric = append(symmetric, 700+float64(i)*10)
	}
	for i := range 20 {
		symmetric = append(symmetric, 890-float64(i)*10)
	}

	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 800
	}

	tests := []struct {
		name     string
		cfg      func(*config.EstimatorConfig)
		history  *History
		peaks    *SectionPeaks
		wantKind Kind
		detail   string
	}{
		{
			name:     "short history wins over a perfect pattern",
			history:  historyOf(plateaus(900, 700, 5)...),
			wantKind: InsufficientData,
		},
		{
			name:     "no baseline",
			cfg:      func(c *config.EstimatorConfig) { c.MinHistoryFrames = 0 },
			history:  historyOf(),
			wantKind: NoVehicleDetected,
		},
		{
			name:     "flat pitch",
			history:  historyOf(flat...),
			wantKind: NoClearDopplerPattern,
			detail:   "shift",
		},
		{
			name:     "rise then fall",
			history:  historyOf(symmetric...),
			wantKind: NoClearDopplerPattern,
			detail:   "decrease",
		},
		{
			name:     "rising pitch",
			history:  historyOf(plateaus(700, 900, 15)...),
			wantKind: NoClearDopplerPattern,
			detail:   "decrease",
		},
		{
			name:    "stationary by section peaks",
			history: historyOf(plateaus(860, 780, 15)...),
			peaks: &SectionPeaks{
				Approach: analysis.Peak{Frequency: 800},
				Recede:   analysis.Peak{Frequency: 800},
			},
			wantKind: VehicleTooSlowOrStationary,
		},
		{
			name:    "implausibly fast",
			history: historyOf(plateaus(860, 780, 15)...),
			peaks: &SectionPeaks{
				Approach: analysis.Peak{Frequency: 1200},
				Recede:   analysis.Peak{Frequency: 600},
			},
			wantKind: VehicleTooFast,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := estimatorConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			r := NewEstimator(cfg).Estimate(tt.history, tt.peaks)

			if r.Estimate != nil {
				t.Fatalf("got estimate %+v, want %v", *r.Estimate, tt.wantKind)
			}
			if r.Failure == nil || r.Failure.Kind != tt.wantKind {
				t.Fatalf("failure = %v, want %v", r.Failure, tt.wantKind)
			}
			if tt.detail != "" && !strings.Contains(r.Failure.Detail, tt.detail) {
				t.Errorf("detail %q does not mention %q", r.Failure.Detail, tt.detail)
			}
			if r.Err() == nil || r.Code() != tt.wantKind.Code() {
				t.Errorf("Err() = %v, Code() = %s", r.Err(), r.Code())
			}
		})
	}
}

func TestEstimate_Streaming(t *testing.T) {
	h := historyOf(plateaus(860, 780, 15)...)
	r := NewEstimator(estimatorConfig()).Estimate(h, nil)

	if !r.OK() {
		t.Fatalf("Estimate() failed: %v", r.Err())
	}
	if r.Failure != nil {
		t.Fatalf("result carries both an estimate and a failure")
	}
	est := r.Estimate
	if est.Strategy != StrategyStreaming {
		t.Errorf("Strategy = %s", est.Strategy)
	}
	if est.ApproachHz != 860 || est.RecedeHz != 780 || est.ShiftHz != 80 {
		t.Errorf("frequencies = %.1f / %.1f / shift %.1f", est.ApproachHz, est.RecedeHz, est.ShiftHz)
	}
	if want := SpeedKmh(860, 780, 343); math.Abs(est.Kmh-want) > 1e-9 {
		t.Errorf("Kmh = %.4f, want %.4f", est.Kmh, want)
	}
	if est.Confidence <= 0 || est.Confidence > 1 {
		t.Errorf("Confidence = %.3f outside (0, 1]", est.Confidence)
	}
	if est.Frames != 30 {
		t.Errorf("Frames = %d", est.Frames)
	}
}

func TestEstimate_Sections(t *testing.T) {
	h := historyOf(plateaus(860, 780, 15)...)
	peaks := &SectionPeaks{
		Approach: analysis.Peak{Frequency: 867.6},
		Recede:   analysis.Peak{Frequency: 851.9},
	}
	r := NewEstimator(estimatorConfig()).Estimate(h, peaks)
	if !r.OK() {
		t.Fatalf("Estimate() failed: %v", r.Err())
	}
	if r.Estimate.Strategy != StrategySections {
		t.Errorf("Strategy = %s", r.Estimate.Strategy)
	}
	if want := SpeedKmh(867.6, 851.9, 343); r.Estimate.Kmh != want {
		t.Errorf("Kmh = %.4f, want %.4f", r.Estimate.Kmh, want)
	}
}

func TestEstimate_ConfidenceCoverage(t *testing.T) {
	full := historyOf(plateaus(860, 780, 15)...)

	sparse := historyOf(plateaus(860, 780, 15)...)
	for range 30 {
		sparse.Offer(analysis.SpectralFrame{}) // Rejected silence.
	}

	e := NewEstimator(estimatorConfig())
	a := e.Estimate(full, nil)
	b := e.Estimate(sparse, nil)
	if !a.OK() || !b.OK() {
		t.Fatalf("estimates failed: %v, %v", a.Err(), b.Err())
	}
	if a.Estimate.Kmh != b.Estimate.Kmh {
		t.Errorf("rejected frames changed the speed")
	}
	if b.Estimate.Confidence >= a.Estimate.Confidence {
		t.Errorf("confidence with half the frames silent = %.3f, full = %.3f", b.Estimate.Confidence, a.Estimate.Confidence)
	}
}

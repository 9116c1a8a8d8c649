// SPDX-License-Identifier: MIT
package doppler

import (
	"context"
	"errors"
	"math"
	"testing"

	"doppler/internal/analysis"
	"doppler/internal/collect"
	"doppler/internal/config"
	"doppler/pkg/utils"
)

const rate = 44100

type brokenEngine struct{}

func (brokenEngine) Name() string { return "broken" }
func (brokenEngine) Analyze([]float32, int) (analysis.Peak, error) {
	return analysis.Peak{}, errors.New("kernel unavailable")
}

func newPipeline(t *testing.T, mutate func(*config.Config)) *Pipeline {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	engine, err := analysis.NewEngine(cfg.Analysis)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return NewPipeline(cfg, engine)
}

func passRecording(speedMS float64) collect.Recording {
	return passRecordingAt(speedMS, rate)
}

func passRecordingAt(speedMS float64, sampleRate int) collect.Recording {
	pass := utils.PassBy{
		SampleRate: float64(sampleRate),
		Seconds:    4,
		PassAt:     2,
		SourceHz:   800,
		SpeedMS:    speedMS,
		Distance:   2,
		Amplitude:  0.8,
	}
	return collect.Recording{Samples: pass.Generate(), SampleRate: sampleRate}
}

func TestPipeline_PassBy(t *testing.T) {
	for _, strategy := range []string{config.EstimateSections, config.EstimateStreaming} {
		t.Run(strategy, func(t *testing.T) {
			p := newPipeline(t, func(c *config.Config) { c.Estimator.Strategy = strategy })

			result, err := p.Run(context.Background(), passRecording(20))
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !result.OK() {
				t.Fatalf("Run() failed: %v", result.Err())
			}

			est := result.Estimate
			if string(est.Strategy) != strategy {
				t.Errorf("Strategy = %s, want %s", est.Strategy, strategy)
			}
			if math.Abs(est.Kmh-72) > 7.2 {
				t.Errorf("Kmh = %.1f, want 72 +/- 10%%", est.Kmh)
			}
			if est.ApproachHz <= est.RecedeHz {
				t.Errorf("approach %.1f Hz not above recede %.1f Hz", est.ApproachHz, est.RecedeHz)
			}
			if est.Frames < config.DefaultMinHistoryFrames {
				t.Errorf("Frames = %d", est.Frames)
			}
		})
	}
}

func TestPipeline_DeviceRates(t *testing.T) {
	p := newPipeline(t, nil)
	want, err := p.Run(context.Background(), passRecording(20))
	if err != nil || !want.OK() {
		t.Fatalf("Run() at %d Hz = %v, %v", rate, want.Err(), err)
	}

	for _, sampleRate := range []int{48000, 96000} {
		rec := passRecordingAt(20, sampleRate)
		got, err := p.Run(context.Background(), rec)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !got.OK() {
			t.Fatalf("%d Hz: Run() failed: %v", sampleRate, got.Err())
		}
		if math.Abs(got.Estimate.Kmh-want.Estimate.Kmh) > 2 {
			t.Errorf("%d Hz: Kmh = %.1f, at %d Hz %.1f", sampleRate, got.Estimate.Kmh, rate, want.Estimate.Kmh)
		}
		if rec.SampleRate != sampleRate {
			t.Error("Run() modified the caller's recording")
		}
	}
}

func TestPipeline_Failures(t *testing.T) {
	// A constant pitch that swells and fades like a pass but never shifts.
	tone := utils.GenerateTone(4*rate, rate, 800, 1)
	for i := range tone {
		envelope := 0.1 + 0.5*(1-math.Abs(float64(i)/rate-2)/2)
		tone[i] *= float32(envelope)
	}

	tests := []struct {
		name string
		rec  collect.Recording
		want Code
	}{
		{"silence", collect.Recording{Samples: make([]float32, 4*rate), SampleRate: rate}, E01},
		{"too short", collect.Recording{Samples: tone[:2*rate], SampleRate: rate}, E03},
		{"steady tone", collect.Recording{Samples: tone, SampleRate: rate}, E09},
	}

	p := newPipeline(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := p.Run(context.Background(), tt.rec)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if result.OK() {
				t.Fatalf("Run() = %.1f km/h, want %s", result.Estimate.Kmh, tt.want)
			}
			if result.Code() != tt.want {
				t.Errorf("Code() = %s (%v), want %s", result.Code(), result.Err(), tt.want)
			}
		})
	}
}

func TestPipeline_EngineErrorBecomesFailure(t *testing.T) {
	cfg := config.Default()
	p := NewPipeline(cfg, analysis.NewChain(brokenEngine{}))

	result, err := p.Run(context.Background(), passRecording(20))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Failure == nil || result.Failure.Kind != AnalysisFailed {
		t.Fatalf("result = %+v, want AnalysisFailed", result)
	}
	if result.Code() != E09 {
		t.Errorf("Code() = %s, want E09", result.Code())
	}
}

func TestPipeline_Cancelled(t *testing.T) {
	p := newPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, passRecording(20))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

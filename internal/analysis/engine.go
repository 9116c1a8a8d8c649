// SPDX-License-Identifier: MIT

// Package analysis holds the spectral side of the pipeline: the frame types
// passed between capture and estimation, the Engine contract that turns a
// window of samples into a dominant frequency, and the engines themselves.
package analysis

import (
	"errors"
	"time"
)

// SampleFrame is one block of mono samples delivered by capture. Frames are
// immutable once produced; consumers must not write to Samples.
type SampleFrame struct {
	Samples    []float32
	SampleRate int
	RMS        float64
	Seq        uint64
	CapturedAt time.Time
}

// Duration returns the playback length of the frame.
func (f SampleFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Peak is the dominant spectral component of one analyzed window.
type Peak struct {
	Frequency float64 // Hz
	Magnitude float64 // Linear, unnormalized (see FFTEngine)
	RMS       float64 // Of the analyzed samples, before windowing
}

// SpectralFrame is a Peak placed on the recording timeline.
type SpectralFrame struct {
	Timestamp     time.Duration
	PeakFrequency float64
	PeakMagnitude float64
	RMS           float64
}

// Engine finds the dominant frequency of a block of samples. Implementations
// must be deterministic for identical input, free of side effects, and accept
// blocks shorter than their preferred size.
type Engine interface {
	Analyze(samples []float32, sampleRate int) (Peak, error)
	Name() string
}

var (
	ErrEmptyInput        = errors.New("analysis: no samples")
	ErrInvalidSampleRate = errors.New("analysis: sample rate must be positive")
	ErrNoEngine          = errors.New("analysis: no engine available")
)

func validateInput(samples []float32, sampleRate int) error {
	if len(samples) == 0 {
		return ErrEmptyInput
	}
	if sampleRate <= 0 {
		return ErrInvalidSampleRate
	}
	return nil
}

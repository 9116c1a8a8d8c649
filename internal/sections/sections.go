// SPDX-License-Identifier: MIT

// Package sections splits a finished recording into the part before and the
// part after the vehicle passes, taking the moment of peak short-term energy
// as the pass.
package sections

import (
	"errors"
	"fmt"
	"math"
	"time"

	"doppler/internal/analysis"
	"doppler/internal/collect"
	"doppler/internal/config"
)

var (
	ErrRecordingTooShort = errors.New("sections: recording too short")
	ErrTooQuiet          = errors.New("sections: no signal above the noise floor")
	ErrClipped           = errors.New("sections: audio clipped")
	ErrSectionTooShort   = errors.New("sections: section shorter than one analysis window")
)

// Section is a read-only view into a recording. Samples is capped at End so
// an append can never write into the recording.
type Section struct {
	Samples []float32
	Start   int // Inclusive sample index into the recording.
	End     int // Exclusive.
}

// Len returns the number of samples in the section.
func (s Section) Len() int { return s.End - s.Start }

// Offset returns the section's start as a time offset into the recording.
func (s Section) Offset(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(s.Start) * time.Second / time.Duration(sampleRate)
}

// Sections is the result of a successful split.
type Sections struct {
	Approaching Section
	Receding    Section
	PeakIndex   int
	PeakRMS     float64
	SampleRate  int
}

// Span returns the samples from the start of the approach to the end of the
// recede, guard band included.
func (s Sections) Span(samples []float32) Section {
	return Section{
		Samples: samples[s.Approaching.Start:s.Receding.End:s.Receding.End],
		Start:   s.Approaching.Start,
		End:     s.Receding.End,
	}
}

// Extractor applies the section policy from configuration.
type Extractor struct {
	cfg          config.SectionsConfig
	rmsThreshold float64
}

// New returns an extractor. Recordings whose peak RMS is below rmsThreshold
// are rejected as too quiet.
func New(cfg config.SectionsConfig, rmsThreshold float64) *Extractor {
	return &Extractor{cfg: cfg, rmsThreshold: rmsThreshold}
}

// Extract locates the energy peak of rec and returns the approach and recede
// sections around it. The recording is never modified.
func (x *Extractor) Extract(rec collect.Recording) (Sections, error) {
	if rec.SampleRate <= 0 || len(rec.Samples) == 0 {
		return Sections{}, fmt.Errorf("%w: empty recording", ErrRecordingTooShort)
	}
	duration := time.Duration(len(rec.Samples)) * time.Second / time.Duration(rec.SampleRate)
	if duration < x.cfg.MinRecording {
		return Sections{}, fmt.Errorf("%w: %.2fs, need %.2fs", ErrRecordingTooShort,
			duration.Seconds(), x.cfg.MinRecording.Seconds())
	}

	peakIndex, peakRMS := PeakEnergy(rec.Samples, x.cfg.EnergyWindow)
	if peakRMS < x.rmsThreshold {
		return Sections{}, fmt.Errorf("%w: peak RMS %.5f", ErrTooQuiet, peakRMS)
	}

	if ratio := ClippedRatio(rec.Samples, x.cfg.ClipLevel); ratio > x.cfg.ClipRatio {
		return Sections{}, fmt.Errorf("%w: %.1f%% of samples at full scale", ErrClipped, ratio*100)
	}

	guard := samplesFor(x.cfg.Guard, rec.SampleRate)
	longest := samplesFor(x.cfg.MaxSection, rec.SampleRate)
	n := len(rec.Samples)

	approachEnd := max(0, peakIndex-guard)
	approachStart := max(0, approachEnd-longest)
	recedeStart := min(n, peakIndex+1+guard)
	recedeEnd := min(n, recedeStart+longest)

	s := Sections{
		Approaching: Section{
			Samples: rec.Samples[approachStart:approachEnd:approachEnd],
			Start:   approachStart,
			End:     approachEnd,
		},
		Receding: Section{
			Samples: rec.Samples[recedeStart:recedeEnd:recedeEnd],
			Start:   recedeStart,
			End:     recedeEnd,
		},
		PeakIndex:  peakIndex,
		PeakRMS:    peakRMS,
		SampleRate: rec.SampleRate,
	}

	if s.Approaching.Len() < x.cfg.MinSectionSamples {
		return s, fmt.Errorf("%w: approach has %d samples, need %d", ErrSectionTooShort,
			s.Approaching.Len(), x.cfg.MinSectionSamples)
	}
	if s.Receding.Len() < x.cfg.MinSectionSamples {
		return s, fmt.Errorf("%w: recede has %d samples, need %d", ErrSectionTooShort,
			s.Receding.Len(), x.cfg.MinSectionSamples)
	}
	return s, nil
}

// PeakEnergy slides an RMS window of the given size across samples with a hop
// of half a window and returns the centre index and level of the loudest one.
// Buffers shorter than a window are measured whole.
func PeakEnergy(samples []float32, window int) (index int, rms float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	if window <= 1 || window > len(samples) {
		return len(samples) / 2, analysis.RMS(samples)
	}

	hop := window / 2
	for off := 0; off+window <= len(samples); off += hop {
		if level := analysis.RMS(samples[off : off+window]); level > rms {
			rms = level
			index = off + window/2
		}
	}
	if rms == 0 {
		index = len(samples) / 2
	}
	return index, rms
}

// ClippedRatio returns the fraction of samples whose magnitude reaches level.
func ClippedRatio(samples []float32, level float64) float64 {
	if len(samples) == 0 || level <= 0 {
		return 0
	}
	clipped := 0
	for _, s := range samples {
		if math.Abs(float64(s)) >= level {
			clipped++
		}
	}
	return float64(clipped) / float64(len(samples))
}

func samplesFor(d time.Duration, sampleRate int) int {
	return int(d.Seconds() * float64(sampleRate))
}

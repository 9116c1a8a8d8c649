// SPDX-License-Identifier: MIT
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"doppler/internal/config"
)

// ErrEnginePanic wraps a panic recovered from an engine.
var ErrEnginePanic = errors.New("analysis: engine panicked")

// Chain tries its engines in order and returns the first success. Errors and
// panics from an engine are contained here so a broken engine degrades to the
// next one instead of taking the pipeline down.
type Chain struct {
	engines []Engine

	mu     sync.Mutex
	active string
}

var _ Engine = (*Chain)(nil)

// NewChain returns a chain over the given engines, most preferred first.
func NewChain(engines ...Engine) *Chain {
	return &Chain{engines: engines}
}

// NewEngine builds the engine described by cfg: the FFT engine, followed by
// the direct DFT engine when fallback is enabled.
func NewEngine(cfg config.AnalysisConfig) (*Chain, error) {
	windowType, err := ParseWindowFunc(cfg.Window)
	if err != nil {
		return nil, err
	}
	band := Band{LowHz: cfg.MinHz, HighHz: cfg.MaxHz}

	fft, err := NewFFTEngine(cfg.FFTSize, windowType, band)
	if err != nil {
		return nil, err
	}
	if !cfg.Fallback {
		return NewChain(fft), nil
	}
	return NewChain(fft, NewDFTEngine(cfg.FFTSize, windowType, band)), nil
}

func (c *Chain) Name() string { return "chain" }

// Active reports which engine served the most recent successful call, or ""
// before the first one. It is informational only.
func (c *Chain) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Analyze implements Engine.
func (c *Chain) Analyze(samples []float32, sampleRate int) (Peak, error) {
	if len(c.engines) == 0 {
		return Peak{}, ErrNoEngine
	}

	var errs []error
	for _, e := range c.engines {
		peak, err := safeAnalyze(e, samples, sampleRate)
		if err == nil {
			c.setActive(e.Name())
			return peak, nil
		}
		logger.Debugf("engine %s failed: %v", e.Name(), err)
		errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
	}
	return Peak{}, errors.Join(errs...)
}

func (c *Chain) setActive(name string) {
	c.mu.Lock()
	if c.active != name {
		if c.active != "" {
			logger.Warnf("falling back from %s to %s engine", c.active, name)
		}
		c.active = name
	}
	c.mu.Unlock()
}

func safeAnalyze(e Engine, samples []float32, sampleRate int) (peak Peak, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrEnginePanic, r)
		}
	}()
	return e.Analyze(samples, sampleRate)
}

// Track slides the engine across samples in size-sample windows stepping by
// hop, producing one SpectralFrame per window stamped with the window's start
// offset plus offset. A buffer shorter than one window is analyzed whole.
func Track(ctx context.Context, e Engine, samples []float32, sampleRate, size, hop int, offset time.Duration) ([]SpectralFrame, error) {
	if size <= 0 || hop <= 0 {
		return nil, fmt.Errorf("analysis: window %d and hop %d must be positive", size, hop)
	}
	if sampleRate <= 0 {
		return nil, ErrInvalidSampleRate
	}

	starts := []int{0}
	if len(samples) > size {
		starts = starts[:0]
		for off := 0; off+size <= len(samples); off += hop {
			starts = append(starts, off)
		}
	}

	frames := make([]SpectralFrame, 0, len(starts))
	for _, off := range starts {
		if err := ctx.Err(); err != nil {
			return frames, err
		}
		block := samples[off:min(len(samples), off+size)]
		peak, err := e.Analyze(block, sampleRate)
		if err != nil {
			return frames, fmt.Errorf("window at sample %d: %w", off, err)
		}
		frames = append(frames, SpectralFrame{
			Timestamp:     offset + time.Duration(off)*time.Second/time.Duration(sampleRate),
			PeakFrequency: peak.Frequency,
			PeakMagnitude: peak.Magnitude,
			RMS:           peak.RMS,
		})
	}
	return frames, nil
}

// SPDX-License-Identifier: MIT

// Package utils provides signal generators and test doubles shared by the
// package tests.
package utils

import (
	"math"
	"math/rand/v2"
	"sync"
)

// MockTransport implements the transport interface for testing.
type MockTransport struct {
	mu     sync.Mutex
	events []any
	closed bool
}

// Send stores the event for later inspection instead of transmitting.
func (m *MockTransport) Send(data any) error {
	m.mu.Lock()
	m.events = append(m.events, data)
	m.mu.Unlock()
	return nil
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything sent so far.
func (m *MockTransport) Events() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.events...)
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func GenerateComplexWave(size int, sampleRate float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		tm := float64(i) / sampleRate
		signal := math.Sin(2*math.Pi*440*tm)*0.5 +
			math.Sin(2*math.Pi*880*tm)*0.3 +
			math.Sin(2*math.Pi*1320*tm)*0.2 // 440Hz fundamental + harmonics
		buffer[i] = float32(signal * 0.9)
	}
	return buffer
}

func GenerateSineWave(size int, sampleRate, frequency float64) []float32 {
	return GenerateTone(size, sampleRate, frequency, 0.9)
}

// GenerateTone returns a sine of the given peak amplitude.
func GenerateTone(size int, sampleRate, frequency, amplitude float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = float32(math.Sin(2*math.Pi*frequency*t) * amplitude)
	}
	return buffer
}

// GenerateNoise returns uniform white noise in [-amplitude, amplitude]. The
// same seed always yields the same buffer.
func GenerateNoise(size int, amplitude float64, seed uint64) []float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	buffer := make([]float32, size)
	for i := range buffer {
		buffer[i] = float32((rng.Float64()*2 - 1) * amplitude)
	}
	return buffer
}

// PassBy describes a tone-emitting source driving in a straight line past a
// stationary microphone.
type PassBy struct {
	SampleRate   float64
	Seconds      float64 // Total length of the generated buffer.
	PassAt       float64 // Time of closest approach, in seconds.
	SourceHz     float64 // Frequency emitted by the source.
	SpeedMS      float64 // Source speed in m/s.
	Distance     float64 // Closest distance between source and microphone, in metres.
	Amplitude    float64 // Peak amplitude at closest approach.
	SpeedOfSound float64 // Defaults to 343 m/s.
}

// Generate synthesizes the pass. The observed frequency follows the classic
// moving-source Doppler relation f = f0*c/(c - v*cos(theta)) and the level
// falls off with distance, so the loudest point is the moment of passing.
func (p PassBy) Generate() []float32 {
	c := p.SpeedOfSound
	if c <= 0 {
		c = 343
	}
	d := math.Max(p.Distance, 0.1)
	n := int(p.Seconds * p.SampleRate)
	buffer := make([]float32, n)

	var phase float64
	for i := range buffer {
		t := float64(i) / p.SampleRate
		x := p.SpeedMS * (t - p.PassAt) // Signed position along the road.
		r := math.Hypot(x, d)
		radial := -p.SpeedMS * x / r // Positive while approaching.

		f := p.SourceHz * c / (c - radial)
		phase += 2 * math.Pi * f / p.SampleRate
		buffer[i] = float32(p.Amplitude * d / r * math.Sin(phase))
	}
	return buffer
}

// ExpectedHz returns the asymptotic approach and recede frequencies of the pass.
func (p PassBy) ExpectedHz() (approach, recede float64) {
	c := p.SpeedOfSound
	if c <= 0 {
		c = 343
	}
	return p.SourceHz * c / (c - p.SpeedMS), p.SourceHz * c / (c + p.SpeedMS)
}

func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	if startBin < 0 {
		startBin = 0
	}

	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]

	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}

	return peakBin
}

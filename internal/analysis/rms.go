// SPDX-License-Identifier: MIT
package analysis

import "math"

// RMS calculates the root mean square level of the buffer. Samples are
// expected in [-1, 1]; an empty buffer reads as silence.
func RMS(buffer []float32) float64 {
	if len(buffer) == 0 {
		return 0.0
	}

	var sumSquare float64
	for _, sample := range buffer {
		s := float64(sample)
		sumSquare += s * s
	}

	return math.Sqrt(sumSquare / float64(len(buffer)))
}

// MovingAverage smooths values with a centred window of the given size,
// shrinking the window at the edges so the output has the same length as
// the input. A size below 2 returns a copy.
func MovingAverage(values []float64, size int) []float64 {
	out := make([]float64, len(values))
	if size < 2 {
		copy(out, values)
		return out
	}

	half := size / 2
	for i := range values {
		lo := max(0, i-half)
		hi := min(len(values), i-half+size)

		var sum float64
		for _, v := range values[lo:hi] {
			sum += v
		}
		out[i] = sum / float64(hi-lo)
	}
	return out
}

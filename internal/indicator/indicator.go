// Package indicator implements the technical indicators used by the reference
// signal generators. Every function returns a slice aligned with its input;
// positions without enough history hold NaN.
package indicator

import "math"

// SMA is a rolling mean that, like a min-periods-of-one window, averages
// whatever history is available until the window fills. NaN inputs are skipped.
func SMA(values []float64, window int) []float64 {
	if window <= 0 {
		return nil
	}
	out := make([]float64, len(values))
	var sum float64
	var count int
	for i, v := range values {
		if !math.IsNaN(v) {
			sum += v
			count++
		}
		if i >= window {
			if old := values[i-window]; !math.IsNaN(old) {
				sum -= old
				count--
			}
		}
		if count == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(count)
	}
	return out
}

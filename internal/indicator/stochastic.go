package indicator

import "math"

// Stochastic returns the %K and %D lines of the stochastic oscillator:
//
//	raw = 100 * (close - lowest low) / (highest high - lowest low) over periodK
//	K   = SMA(raw, smoothK)
//	D   = SMA(K, periodD)
//
// A flat window reads 50. Any window touching a NaN input is NaN, and so is
// every position before all three windows fill.
func Stochastic(high, low, close []float64, periodK, smoothK, periodD int) (k, d []float64) {
	n := len(close)
	if len(high) != n || len(low) != n || periodK <= 0 || smoothK <= 0 || periodD <= 0 {
		return nil, nil
	}

	raw := make([]float64, n)
	for i := range raw {
		raw[i] = math.NaN()
		if i < periodK-1 {
			continue
		}
		lowest, highest := math.Inf(1), math.Inf(-1)
		valid := !math.IsNaN(close[i])
		for j := i - periodK + 1; j <= i && valid; j++ {
			if math.IsNaN(high[j]) || math.IsNaN(low[j]) {
				valid = false
				break
			}
			lowest = math.Min(lowest, low[j])
			highest = math.Max(highest, high[j])
		}
		if !valid {
			continue
		}
		if highest == lowest {
			raw[i] = 50
		} else {
			raw[i] = 100 * (close[i] - lowest) / (highest - lowest)
		}
	}

	k = strictSMA(raw, smoothK)
	d = strictSMA(k, periodD)
	return k, d
}

// strictSMA is NaN unless the full window is defined
func strictSMA(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		out[i] = math.NaN()
		if i < window-1 {
			continue
		}
		sum := 0.0
		for _, v := range values[i-window+1 : i+1] {
			sum += v
		}
		// a NaN anywhere in the window propagates
		out[i] = sum / float64(window)
	}
	return out
}

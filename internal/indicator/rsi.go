package indicator

import "math"

// RSI computes the relative strength index from simple rolling means of gains
// and losses over window bars. The first value is NaN since it has no change.
// A window with neither gains nor losses is NaN as well.
func RSI(prices []float64, window int) []float64 {
	if window <= 0 {
		return nil
	}
	n := len(prices)
	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := range prices {
		if i == 0 {
			gains[i], losses[i] = math.NaN(), math.NaN()
			continue
		}
		change := prices[i] - prices[i-1]
		gains[i] = math.Max(change, 0)
		losses[i] = math.Max(-change, 0)
	}

	avgGain := SMA(gains, window)
	avgLoss := SMA(losses, window)
	rsi := make([]float64, n)
	for i := range rsi {
		rsi[i] = rsiValue(avgGain[i], avgLoss[i])
	}
	return rsi
}

func rsiValue(avgGain, avgLoss float64) float64 {
	switch {
	case math.IsNaN(avgGain) || math.IsNaN(avgLoss):
		return math.NaN()
	case avgGain == 0 && avgLoss == 0:
		return math.NaN()
	case avgLoss == 0:
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// WilderRSI computes RSI with Wilder smoothing. The first period values are NaN.
// Returns nil when there are not more than period prices.
func WilderRSI(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) <= period {
		return nil
	}
	rsi := make([]float64, len(prices))
	for i := 0; i < period; i++ {
		rsi[i] = math.NaN()
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	rsi[period] = wilderValue(avgGain, avgLoss)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		avgGain = (avgGain*float64(period-1) + math.Max(change, 0)) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + math.Max(-change, 0)) / float64(period)
		rsi[i] = wilderValue(avgGain, avgLoss)
	}
	return rsi
}

// flat prices read as 100, matching the usual charting convention
func wilderValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

package candle

import "math"

// HeikenAshi returns smoothed candles for sorted input. A candle with an
// unusable price is passed through unchanged and does not advance the
// smoothing, so gaps never leak NaN into later bars.
func HeikenAshi(raw []Candle) []Candle {
	if len(raw) == 0 {
		return nil
	}

	out := make([]Candle, len(raw))
	var prev *Candle
	for i, c := range raw {
		if Price(c.Open) == 0 || Price(c.High) == 0 || Price(c.Low) == 0 || Price(c.Close) == 0 {
			out[i] = c
			continue
		}
		out[i] = NextHeikenAshi(prev, c)
		prev = &out[i]
	}
	return out
}

// NextHeikenAshi derives the next smoothed candle from the previous one,
// which is nil for the first bar.
func NextHeikenAshi(prev *Candle, raw Candle) Candle {
	ha := raw
	ha.Close = (raw.Open + raw.High + raw.Low + raw.Close) / 4
	if prev == nil {
		ha.Open = (raw.Open + raw.Close) / 2
	} else {
		ha.Open = (prev.Open + prev.Close) / 2
	}
	ha.High = math.Max(raw.High, math.Max(ha.Open, ha.Close))
	ha.Low = math.Min(raw.Low, math.Min(ha.Open, ha.Close))
	ha.Source = "heiken_ashi"
	return ha
}

// Package ema maintains per-timeframe exponential moving averages with a
// daily bootstrap window after the session open.
package ema

// Alpha is the smoothing factor for a span of window periods.
func Alpha(window int) float64 {
	return 2.0 / (float64(window) + 1.0)
}

// Next advances an EMA by one price.
func Next(prev, price float64, window int) float64 {
	a := Alpha(window)
	return price*a + prev*(1-a)
}

// Series computes the EMA of closes, seeded with the first close. This
// matches pandas ewm(span=window, adjust=False).
func Series(closes []float64, window int) []float64 {
	out := make([]float64, len(closes))
	for i, p := range closes {
		if i == 0 {
			out[i] = p
			continue
		}
		out[i] = Next(out[i-1], p, window)
	}
	return out
}

// Package linreg computes the trend slope of a short time series via simple
// linear regression. It exists because the only "regression" needed by
// DeepAnalysis is a handful of floats over at most 12 points — nothing in
// the example pack's dependency surface is worth pulling in for that, so
// this stays on the standard library (see DESIGN.md).
package linreg

// Slope returns the least-squares slope of y against the index 0..n-1,
// i.e. fitting y = a + slope*x over x = 0, 1, ..., len(y)-1.
//
// slope = Σ(x-x̄)(y-ȳ) / Σ(x-x̄)²
//
// Returns 0 when there are fewer than two points or the denominator is 0
// (a constant or single-point series), matching §4.5's trend-slope rule.
func Slope(y []int) float64 {
	n := len(y)
	if n < 2 {
		return 0
	}
	xMean := float64(n-1) / 2
	var ySum float64
	for _, v := range y {
		ySum += float64(v)
	}
	yMean := ySum / float64(n)

	var num, den float64
	for i, v := range y {
		dx := float64(i) - xMean
		dy := float64(v) - yMean
		num += dx * dy
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Package stats reduces elapsed-time samples to descriptive statistics.
package stats

import (
	"math"
	"slices"
)

// Statistics describes one provider's samples, in seconds.
type Statistics struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// Compute is pure: it never mutates samples. An empty input yields the zero
// value.
func Compute(samples []float64) Statistics {
	n := len(samples)
	if n == 0 {
		return Statistics{}
	}

	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	return Statistics{
		Mean:   mean,
		Median: median(sorted),
		Min:    sorted[0],
		Max:    sorted[n-1],
		StdDev: stdDev(sorted, mean),
		P95:    sorted[PercentileIndex(n, 0.95)],
		P99:    sorted[PercentileIndex(n, 0.99)],
	}
}

// PercentileIndex is floor(n*q), clamped to the last element.
func PercentileIndex(n int, q float64) int {
	idx := int(float64(n) * q)
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// stdDev is the sample standard deviation (n-1 denominator), 0 for n <= 1.
func stdDev(v []float64, mean float64) float64 {
	if len(v) <= 1 {
		return 0
	}
	var ss float64
	for _, x := range v {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(v)-1))
}

// SortedDesc returns a descending copy; index 0 is the cold start.
func SortedDesc(samples []float64) []float64 {
	out := slices.Clone(samples)
	slices.Sort(out)
	slices.Reverse(out)
	return out
}

// Package stats holds the small numeric helpers shared by the evidence,
// node and mesh packages: clamping, fixed-precision rounding and circular
// statistics over bearings in degrees.
package stats

import "math"

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Clamp01 bounds x to [0, 1].
func Clamp01(x float64) float64 { return Clamp(x, 0, 1) }

// Round rounds x to the given number of decimal places, half away from zero.
func Round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}

// Mod360 maps an angle in degrees into [0, 360).
func Mod360(deg float64) float64 {
	m := math.Mod(deg, 360)
	if m < 0 {
		m += 360
	}
	if m >= 360 {
		m = 0
	}
	return m
}

func resultant(degs []float64) (sumSin, sumCos float64) {
	for _, d := range degs {
		r := d * math.Pi / 180
		sumSin += math.Sin(r)
		sumCos += math.Cos(r)
	}
	return sumSin, sumCos
}

// CircularMean returns the mean direction of degs in [0, 360).
// An empty input yields 0.
func CircularMean(degs []float64) float64 {
	if len(degs) == 0 {
		return 0
	}
	s, c := resultant(degs)
	return Mod360(math.Atan2(s, c) * 180 / math.Pi)
}

// resultantEpsilon treats float noise left over from exactly opposing
// bearings as a zero resultant.
const resultantEpsilon = 1e-12

// CircularStd returns the circular standard deviation of degs in degrees.
// Fewer than two angles yield 0; a zero-length mean resultant yields 360.
func CircularStd(degs []float64) float64 {
	if len(degs) < 2 {
		return 0
	}
	s, c := resultant(degs)
	n := float64(len(degs))
	r := math.Hypot(s/n, c/n)
	if r < resultantEpsilon {
		return 360
	}
	if r >= 1 {
		return 0
	}
	return math.Sqrt(-2*math.Log(r)) * 180 / math.Pi
}

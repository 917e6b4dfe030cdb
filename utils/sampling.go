package utils

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// SampleNFloatsUniform samples n floats uniformly in [vMin, vMax]. Handy for
// generating synthetic point clouds.
func SampleNFloatsUniform(n int, vMin, vMax float64) []float64 {
	dist := distuv.Uniform{
		Min: vMin,
		Max: vMax,
	}
	z := make([]float64, n)
	for i := range z {
		z[i] = dist.Rand()
	}
	return z
}

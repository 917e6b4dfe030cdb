// Package geometry implements the multi-view projective geometry used by the
// reconstruction engine: epipolar estimation, triangulation, camera
// resection, robust three-view estimation, and the projective-to-metric
// upgrade machinery.
package geometry

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Point4 is a homogeneous 3D point.
type Point4 struct {
	X, Y, Z, W float64
}

// IsCountable reports whether all components are finite.
func (p Point4) IsCountable() bool {
	for _, v := range []float64{p.X, p.Y, p.Z, p.W} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// eye creates an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// transposeDense returns the transpose of m as a new dense matrix.
func transposeDense(m *mat.Dense) *mat.Dense {
	nRows, nCols := m.Dims()
	m2 := mat.NewDense(nCols, nRows, nil)
	m2.Copy(m.T())
	return m2
}

// matsSVD stores the matrices from an SVD decomposition.
type matsSVD struct {
	U  *mat.Dense
	V  *mat.Dense
	VT *mat.Dense
	S  *mat.Dense
}

// performSVD performs a full SVD on inputMatrix.
func performSVD(inputMatrix *mat.Dense) (*matsSVD, error) {
	var svd mat.SVD
	ok := svd.Factorize(inputMatrix, mat.SVDFull)
	if !ok {
		return nil, errors.New("failed to factorize matrix")
	}

	u, v, sigma, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())

	singularValues := svd.Values(nil)
	sigma.CloneFrom(mat.NewDiagDense(len(singularValues), singularValues))

	return &matsSVD{u, v, vt, sigma}, nil
}

// nullVector returns the right null vector of m, the column of V associated
// with the smallest singular value.
func nullVector(m *mat.Dense) ([]float64, error) {
	mats, err := performSVD(m)
	if err != nil {
		return nil, err
	}
	_, nCols := m.Dims()
	out := make([]float64, nCols)
	for i := range out {
		out[i] = mats.V.At(i, nCols-1)
	}
	return out, nil
}

// isCountable reports whether v is neither NaN nor infinite.
func isCountable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// skewSymmetric returns the 3x3 cross-product matrix of (x, y, z).
func skewSymmetric(x, y, z float64) *mat.Dense {
	cross := mat.NewDense(3, 3, nil)
	cross.Set(0, 1, -z)
	cross.Set(0, 2, y)
	cross.Set(1, 0, z)
	cross.Set(1, 2, -x)
	cross.Set(2, 0, -y)
	cross.Set(2, 1, x)
	return cross
}

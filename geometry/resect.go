package geometry

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MinResectionPoints is the smallest number of 2D-3D correspondences the DLT
// camera resection can work with.
const MinResectionPoints = 6

// ResectCamera estimates a 3x4 camera matrix from homogeneous 3D points and
// their pixel observations using the DLT, with Hartley normalization of the
// pixels for conditioning.
func ResectCamera(points []Point4, obs []r2.Point) (*mat.Dense, error) {
	if len(points) != len(obs) {
		return nil, errors.New("need one observation per point")
	}
	if len(points) < MinResectionPoints {
		return nil, errors.Errorf("camera resection needs at least %d points, got %d", MinResectionPoints, len(points))
	}

	normObs, t := normalizePoints(obs)

	a := mat.NewDense(2*len(points), 12, nil)
	for i, pt := range points {
		x, y := normObs[i].X, normObs[i].Y
		row := []float64{pt.X, pt.Y, pt.Z, pt.W}
		for j := 0; j < 4; j++ {
			a.Set(2*i, j, row[j])
			a.Set(2*i, 8+j, -x*row[j])
			a.Set(2*i+1, 4+j, row[j])
			a.Set(2*i+1, 8+j, -y*row[j])
		}
	}

	v, err := nullVector(a)
	if err != nil {
		return nil, err
	}
	pNorm := mat.NewDense(3, 4, v)

	// undo the pixel normalization: P = T^-1 @ Pnorm
	var tInv mat.Dense
	if err := tInv.Inverse(t); err != nil {
		return nil, errors.Wrap(err, "degenerate pixel normalization")
	}
	p := mat.NewDense(3, 4, nil)
	p.Mul(&tInv, pNorm)
	return p, nil
}

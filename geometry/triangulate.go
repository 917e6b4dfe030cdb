package geometry

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// TriangulateLinear triangulates a single 3D point observed by N cameras with
// the homogeneous DLT method. Each camera is a 3x4 matrix and each observation
// the matching image coordinate, in whatever frame the cameras use.
func TriangulateLinear(cameras []*mat.Dense, obs []r2.Point) (Point4, error) {
	if len(cameras) != len(obs) {
		return Point4{}, errors.New("need one observation per camera")
	}
	if len(cameras) < 2 {
		return Point4{}, errors.New("need at least two views to triangulate")
	}
	a := mat.NewDense(2*len(cameras), 4, nil)
	for i, p := range cameras {
		x, y := obs[i].X, obs[i].Y
		for j := 0; j < 4; j++ {
			a.Set(2*i, j, x*p.At(2, j)-p.At(0, j))
			a.Set(2*i+1, j, y*p.At(2, j)-p.At(1, j))
		}
	}
	v, err := nullVector(a)
	if err != nil {
		return Point4{}, err
	}
	pt := Point4{X: v[0], Y: v[1], Z: v[2], W: v[3]}
	if !pt.IsCountable() {
		return Point4{}, errors.New("uncountable triangulation")
	}
	return pt, nil
}

// TriangulateLinearSe3 triangulates a point from rigid-body views with
// unit-focal observations. Each motion maps the common reference frame into
// the corresponding camera frame.
func TriangulateLinearSe3(motions []*Se3, obs []r2.Point) (Point4, error) {
	cameras := make([]*mat.Dense, len(motions))
	for i, m := range motions {
		cameras[i] = m.Matrix()
	}
	return TriangulateLinear(cameras, obs)
}

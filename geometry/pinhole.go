package geometry

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CameraMatrix builds a 3x3 intrinsic matrix from a single focal length and a
// principal point. The engine works in centered pixel coordinates, so the
// principal point is usually zero.
func CameraMatrix(f, cx, cy float64) *mat.Dense {
	k := eye(3)
	k.Set(0, 0, f)
	k.Set(1, 1, f)
	k.Set(0, 2, cx)
	k.Set(1, 2, cy)
	return k
}

// ProjectHomogeneous applies a 3x4 camera matrix to a homogeneous point and
// returns the pixel coordinate. Fails when the projected point is at infinity.
func ProjectHomogeneous(p *mat.Dense, pt Point4) (r2.Point, error) {
	u := p.At(0, 0)*pt.X + p.At(0, 1)*pt.Y + p.At(0, 2)*pt.Z + p.At(0, 3)*pt.W
	v := p.At(1, 0)*pt.X + p.At(1, 1)*pt.Y + p.At(1, 2)*pt.Z + p.At(1, 3)*pt.W
	w := p.At(2, 0)*pt.X + p.At(2, 1)*pt.Y + p.At(2, 2)*pt.Z + p.At(2, 3)*pt.W
	if !isCountable(w) || w == 0 {
		return r2.Point{}, errors.New("projected point at infinity")
	}
	out := r2.Point{X: u / w, Y: v / w}
	if !isCountable(out.X) || !isCountable(out.Y) {
		return r2.Point{}, errors.New("uncountable projection")
	}
	return out, nil
}

// NormalizePixel converts a centered pixel coordinate into a unit-focal image
// coordinate, removing two-term radial distortion by fixed-point iteration.
func NormalizePixel(pt r2.Point, f, k1, k2 float64) r2.Point {
	x := pt.X / f
	y := pt.Y / f
	if k1 == 0 && k2 == 0 {
		return r2.Point{X: x, Y: y}
	}
	// undistorted estimate converges fast for the small distortions seen here
	ux, uy := x, y
	for i := 0; i < 20; i++ {
		r2v := ux*ux + uy*uy
		d := 1 + k1*r2v + k2*r2v*r2v
		ux = x / d
		uy = y / d
	}
	return r2.Point{X: ux, Y: uy}
}

// DistortNormalized applies two-term radial distortion to a unit-focal image
// coordinate and scales it back to centered pixels.
func DistortNormalized(pt r2.Point, f, k1, k2 float64) r2.Point {
	r2v := pt.X*pt.X + pt.Y*pt.Y
	d := 1 + k1*r2v + k2*r2v*r2v
	return r2.Point{X: f * d * pt.X, Y: f * d * pt.Y}
}

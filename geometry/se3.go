package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Se3 is a rigid-body transform: a 3x3 rotation plus a translation. It maps a
// point x in the source frame to R*x + T in the destination frame.
type Se3 struct {
	R *mat.Dense
	T r3.Vector
}

// NewSe3Identity returns the identity transform.
func NewSe3Identity() *Se3 {
	return &Se3{R: eye(3), T: r3.Vector{}}
}

// NewSe3 returns a transform with the given rotation and translation. The
// rotation matrix is not copied.
func NewSe3(rotation *mat.Dense, translation r3.Vector) *Se3 {
	return &Se3{R: rotation, T: translation}
}

// Copy returns a deep copy of the transform.
func (s *Se3) Copy() *Se3 {
	return &Se3{R: mat.DenseCopyOf(s.R), T: s.T}
}

// TransformPoint applies the transform to a point.
func (s *Se3) TransformPoint(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: s.R.At(0, 0)*p.X + s.R.At(0, 1)*p.Y + s.R.At(0, 2)*p.Z + s.T.X,
		Y: s.R.At(1, 0)*p.X + s.R.At(1, 1)*p.Y + s.R.At(1, 2)*p.Z + s.T.Y,
		Z: s.R.At(2, 0)*p.X + s.R.At(2, 1)*p.Y + s.R.At(2, 2)*p.Z + s.T.Z,
	}
}

// Invert returns the inverse transform.
func (s *Se3) Invert() *Se3 {
	rt := transposeDense(s.R)
	tInv := rotatePoint(rt, s.T).Mul(-1)
	return &Se3{R: rt, T: tInv}
}

// Concat composes transforms: the result applies s first, then next. If s
// maps frame a to frame b and next maps b to c, the result maps a to c.
func (s *Se3) Concat(next *Se3) *Se3 {
	r := mat.NewDense(3, 3, nil)
	r.Mul(next.R, s.R)
	t := rotatePoint(next.R, s.T).Add(next.T)
	return &Se3{R: r, T: t}
}

// Matrix returns the 3x4 [R|T] matrix of the transform.
func (s *Se3) Matrix() *mat.Dense {
	m := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, s.R.At(i, j))
		}
	}
	m.Set(0, 3, s.T.X)
	m.Set(1, 3, s.T.Y)
	m.Set(2, 3, s.T.Z)
	return m
}

func rotatePoint(r *mat.Dense, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: r.At(0, 0)*p.X + r.At(0, 1)*p.Y + r.At(0, 2)*p.Z,
		Y: r.At(1, 0)*p.X + r.At(1, 1)*p.Y + r.At(1, 2)*p.Z,
		Z: r.At(2, 0)*p.X + r.At(2, 1)*p.Y + r.At(2, 2)*p.Z,
	}
}

// RotationToRodrigues converts a rotation matrix to an axis-angle (Rodrigues)
// vector whose direction is the rotation axis and norm the rotation angle.
func RotationToRodrigues(r *mat.Dense) r3.Vector {
	trace := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cosTheta := (trace - 1) / 2
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}
	theta := math.Acos(cosTheta)
	if theta < 1e-12 {
		return r3.Vector{}
	}
	axis := r3.Vector{
		X: r.At(2, 1) - r.At(1, 2),
		Y: r.At(0, 2) - r.At(2, 0),
		Z: r.At(1, 0) - r.At(0, 1),
	}
	sinTheta := math.Sin(theta)
	if math.Abs(sinTheta) < 1e-12 {
		// Angle near pi. Recover the axis from the diagonal.
		axis = r3.Vector{
			X: math.Sqrt(math.Max(0, (r.At(0, 0)+1)/2)),
			Y: math.Sqrt(math.Max(0, (r.At(1, 1)+1)/2)),
			Z: math.Sqrt(math.Max(0, (r.At(2, 2)+1)/2)),
		}
		if r.At(0, 1) < 0 {
			axis.Y = -axis.Y
		}
		if r.At(0, 2) < 0 {
			axis.Z = -axis.Z
		}
		return axis.Normalize().Mul(theta)
	}
	return axis.Mul(theta / (2 * sinTheta))
}

// RodriguesToRotation converts an axis-angle vector to a rotation matrix.
func RodriguesToRotation(v r3.Vector) *mat.Dense {
	theta := v.Norm()
	if theta < 1e-12 {
		return eye(3)
	}
	axis := v.Mul(1 / theta)
	k := skewSymmetric(axis.X, axis.Y, axis.Z)
	// R = I + sin(theta)*K + (1-cos(theta))*K^2
	var k2 mat.Dense
	k2.Mul(k, k)
	r := eye(3)
	var term1, term2 mat.Dense
	term1.Scale(math.Sin(theta), k)
	term2.Scale(1-math.Cos(theta), &k2)
	r.Add(r, &term1)
	r.Add(r, &term2)
	return r
}

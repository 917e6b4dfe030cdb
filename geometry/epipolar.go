package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// FundamentalFromPoints computes the fundamental matrix relating pts1 in the
// first view to pts2 in the second with the normalized 8-point algorithm
// (Multiple View Geometry, Alg 11.1).
func FundamentalFromPoints(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < 8 {
		return nil, errors.New("sets of points must have at least 8 elements")
	}
	nPoints := len(pts1)

	points1, t1 := normalizePoints(pts1)
	points2, t2 := normalizePoints(pts2)

	m := mat.NewDense(nPoints, 9, nil)
	for i := range points1 {
		v1 := points1[i]
		v2 := points2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}

	fData, err := nullVector(m)
	if err != nil {
		return nil, err
	}
	f := mat.NewDense(3, 3, fData)

	// enforce rank 2 of F
	mats, err := performSVD(f)
	if err != nil {
		return nil, err
	}
	s := mats.S
	s.Set(2, 2, 0)
	var fHat mat.Dense
	fHat.Mul(mats.U, s)
	f.Mul(&fHat, mats.VT)

	// rescale F: T2^T @ F @ T1
	f.Mul(transposeDense(t2), f)
	f.Mul(f, t1)

	// fix the overall scale with the Frobenius norm; dividing by F[2,2]
	// instead blows the matrix up whenever that entry vanishes, which it does
	// for centered pixels under near-lateral motion
	norm := mat.Norm(f, 2)
	if !isCountable(norm) || norm == 0 {
		return nil, errors.New("degenerate fundamental matrix")
	}
	f.Scale(1/norm, f)
	// deterministic sign: largest-magnitude entry positive
	maxVal := 0.0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if v := f.At(i, j); math.Abs(v) > math.Abs(maxVal) {
				maxVal = v
			}
		}
	}
	if maxVal < 0 {
		f.Scale(-1, f)
	}
	return f, nil
}

// FundamentalFromProjective computes the fundamental matrix implied by a
// projective camera pair where the first camera is [I|0] and the second is p2.
func FundamentalFromProjective(p2 *mat.Dense) *mat.Dense {
	a := p2.Slice(0, 3, 0, 3)
	t := skewSymmetric(p2.At(0, 3), p2.At(1, 3), p2.At(2, 3))
	f := mat.NewDense(3, 3, nil)
	f.Mul(t, a)
	return f
}

// CameraFromFundamental computes the canonical second camera [ [e']x F | e' ]
// of a fundamental matrix, with the first camera being [I|0].
func CameraFromFundamental(f *mat.Dense) (*mat.Dense, error) {
	// left epipole: e'^T F = 0, i.e. the right null vector of F^T
	e, err := nullVector(transposeDense(f))
	if err != nil {
		return nil, err
	}
	ex := skewSymmetric(e[0], e[1], e[2])
	var m mat.Dense
	m.Mul(ex, f)
	p := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.Set(i, j, m.At(i, j))
		}
		p.Set(i, 3, e[i])
	}
	return p, nil
}

// EssentialFromFundamental returns the essential matrix from the fundamental
// matrix and the two intrinsic matrices, with its singular values forced to
// (1, 1, 0).
func EssentialFromFundamental(k1, k2, f *mat.Dense) (*mat.Dense, error) {
	var essMat, tmp mat.Dense
	tmp.Mul(transposeDense(k2), f)
	essMat.Mul(&tmp, k1)

	mats, err := performSVD(&essMat)
	if err != nil {
		return nil, err
	}
	s := eye(3)
	s.Set(2, 2, 0)
	essMat.Mul(mats.U, s)
	essMat.Mul(&essMat, mats.VT)
	return &essMat, nil
}

// DecomposeEssential decomposes the essential matrix into two possible 3D
// rotations and a unit translation.
func DecomposeEssential(essMat *mat.Dense) (*mat.Dense, *mat.Dense, r3.Vector, error) {
	mats, err := performSVD(essMat)
	if err != nil {
		return nil, nil, r3.Vector{}, err
	}
	if mat.Det(mats.U) < 0 {
		mats.U.Scale(-1, mats.U)
	}
	if mat.Det(mats.VT) < 0 {
		mats.VT.Scale(-1, mats.VT)
	}
	w := mat.NewDense(3, 3, nil)
	w.Set(0, 1, 1)
	w.Set(1, 0, -1)
	w.Set(2, 2, 1)

	var r1, r2m mat.Dense
	r1.Mul(mats.U, w)
	r1.Mul(&r1, mats.VT)
	r2m.Mul(mats.U, transposeDense(w))
	r2m.Mul(&r2m, mats.VT)

	t := r3.Vector{X: mats.U.At(0, 2), Y: mats.U.At(1, 2), Z: mats.U.At(2, 2)}
	return &r1, &r2m, t, nil
}

// BestPoseByCheirality selects among the four candidate decompositions of an
// essential matrix the pose that places the most triangulated points in front
// of both cameras. The observations must be in unit-focal coordinates.
func BestPoseByCheirality(essMat *mat.Dense, pts1, pts2 []r2.Point) (*Se3, error) {
	r1, r2m, t, err := DecomposeEssential(essMat)
	if err != nil {
		return nil, err
	}
	candidates := []*Se3{
		NewSe3(r1, t),
		NewSe3(r1, t.Mul(-1)),
		NewSe3(r2m, t),
		NewSe3(r2m, t.Mul(-1)),
	}
	identity := NewSe3Identity().Matrix()
	best := candidates[0]
	bestVotes := -1
	for _, cand := range candidates {
		cameras := []*mat.Dense{identity, cand.Matrix()}
		votes := 0
		for i := range pts1 {
			pt, err := TriangulateLinear(cameras, []r2.Point{pts1[i], pts2[i]})
			if err != nil || pt.W == 0 {
				continue
			}
			p := r3.Vector{X: pt.X / pt.W, Y: pt.Y / pt.W, Z: pt.Z / pt.W}
			if p.Z <= 0 {
				continue
			}
			if cand.TransformPoint(p).Z > 0 {
				votes++
			}
		}
		if votes > bestVotes {
			bestVotes = votes
			best = cand
		}
	}
	if bestVotes <= 0 {
		return nil, errors.New("no pose places points in front of both cameras")
	}
	return best, nil
}

// SampsonDistance returns the first-order geometric error of a correspondence
// with respect to a fundamental matrix, in squared pixels.
func SampsonDistance(f *mat.Dense, p1, p2 r2.Point) float64 {
	fx1 := [3]float64{
		f.At(0, 0)*p1.X + f.At(0, 1)*p1.Y + f.At(0, 2),
		f.At(1, 0)*p1.X + f.At(1, 1)*p1.Y + f.At(1, 2),
		f.At(2, 0)*p1.X + f.At(2, 1)*p1.Y + f.At(2, 2),
	}
	ftx2 := [3]float64{
		f.At(0, 0)*p2.X + f.At(1, 0)*p2.Y + f.At(2, 0),
		f.At(0, 1)*p2.X + f.At(1, 1)*p2.Y + f.At(2, 1),
		f.At(0, 2)*p2.X + f.At(1, 2)*p2.Y + f.At(2, 2),
	}
	num := p2.X*fx1[0] + p2.Y*fx1[1] + fx1[2]
	denom := fx1[0]*fx1[0] + fx1[1]*fx1[1] + ftx2[0]*ftx2[0] + ftx2[1]*ftx2[1]
	if denom == 0 {
		return math.Inf(1)
	}
	return num * num / denom
}

// normalizePoints normalizes points as described in Multiple View Geometry,
// Alg 11.1, returning the transformed points and the 3x3 transform.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	nPoints := len(pts)
	mu := r2.Point{}
	for _, pt := range pts {
		mu.X += pt.X
		mu.Y += pt.Y
	}
	mu = mu.Mul(1. / float64(nPoints))

	d := 0.0
	for _, pt := range pts {
		x2 := (pt.X - mu.X) * (pt.X - mu.X)
		y2 := (pt.Y - mu.Y) * (pt.Y - mu.Y)
		d += math.Sqrt(x2+y2) / float64(nPoints)
	}
	if d == 0 {
		d = 1
	}
	scale := math.Sqrt(2) / d
	t := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	pointsTransformed := make([]r2.Point, nPoints)
	for i := range pointsTransformed {
		pointsTransformed[i] = r2.Point{X: scale * (pts[i].X - mu.X), Y: scale * (pts[i].Y - mu.Y)}
	}
	return pointsTransformed, t
}

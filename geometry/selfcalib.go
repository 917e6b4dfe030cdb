package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CalibratingHomography solves for the 4x4 homography that upgrades a local
// projective camera pair into a metric frame consistent with the two known
// intrinsic matrices. f21 and p2 describe the projective pair (the first
// camera is [I|0]); pts1 and pts2 are inlier pixel correspondences used to
// resolve the pose ambiguity of the essential matrix.
//
// The returned H satisfies [I|0]*H = [K1|0] and p2*H ~ K2*[R|t].
func CalibratingHomography(f21, p2, k1, k2 *mat.Dense, pts1, pts2 []r2.Point) (*mat.Dense, error) {
	essMat, err := EssentialFromFundamental(k1, k2, f21)
	if err != nil {
		return nil, err
	}

	// normalize pixels so cheirality voting happens in unit-focal coordinates
	var k1Inv, k2Inv mat.Dense
	if err := k1Inv.Inverse(k1); err != nil {
		return nil, errors.Wrap(err, "singular K1")
	}
	if err := k2Inv.Inverse(k2); err != nil {
		return nil, errors.Wrap(err, "singular K2")
	}
	n1 := applyCalibrationInverse(&k1Inv, pts1)
	n2 := applyCalibrationInverse(&k2Inv, pts2)

	pose, err := BestPoseByCheirality(essMat, n1, n2)
	if err != nil {
		return nil, err
	}

	// want p2*H ~ K2*[R|t] with the first camera anchored at [K1|0]. Solving
	// the bottom row jointly with the camera scale stays well conditioned
	// even when the epipole is nearly axis-aligned, where isolating the scale
	// against the epipole first falls apart.
	p1Metric := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p1Metric.Set(i, j, k1.At(i, j))
		}
	}
	var p2Metric mat.Dense
	p2Metric.Mul(k2, pose.Matrix())
	return CompatibleHomography(p2, p1Metric, &p2Metric)
}

// ProjectiveToMetric upgrades a projective camera with a calibrating
// homography, decomposing P*H into intrinsics and a rigid-body pose via RQ.
func ProjectiveToMetric(p, h *mat.Dense) (*mat.Dense, *Se3, error) {
	var pm mat.Dense
	pm.Mul(p, h)

	m := mat.DenseCopyOf(pm.Slice(0, 3, 0, 3))
	if mat.Det(m) < 0 {
		pm.Scale(-1, &pm)
		m.Scale(-1, m)
	}

	k, r, err := rqDecompose(m)
	if err != nil {
		return nil, nil, err
	}

	// force a positive diagonal on K
	for i := 0; i < 3; i++ {
		if k.At(i, i) < 0 {
			for row := 0; row < 3; row++ {
				k.Set(row, i, -k.At(row, i))
			}
			for col := 0; col < 3; col++ {
				r.Set(i, col, -r.At(i, col))
			}
		}
	}
	if mat.Det(r) < 0 {
		return nil, nil, errors.New("metric upgrade produced a reflected rotation")
	}

	scale := k.At(2, 2)
	if !isCountable(scale) || math.Abs(scale) < 1e-12 {
		return nil, nil, errors.New("degenerate intrinsic scale in metric upgrade")
	}
	k.Scale(1/scale, k)

	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return nil, nil, errors.Wrap(err, "singular intrinsics in metric upgrade")
	}
	p4 := r3.Vector{X: pm.At(0, 3), Y: pm.At(1, 3), Z: pm.At(2, 3)}
	t := rotatePoint(&kInv, p4).Mul(1 / scale)
	for _, comp := range []float64{t.X, t.Y, t.Z} {
		if !isCountable(comp) {
			return nil, nil, errors.New("uncountable translation in metric upgrade")
		}
	}
	return k, NewSe3(r, t), nil
}

// CompatibleHomography finds the 4x4 transform that maps a local projective
// frame, whose first camera is [I|0] and second is p2Local, into the global
// frame where the same two views have cameras p1Global and p2Global. The top
// three rows of H equal p1Global; the bottom row and the relative camera
// scale are solved linearly.
func CompatibleHomography(p2Local, p1Global, p2Global *mat.Dense) (*mat.Dense, error) {
	a2 := p2Local.Slice(0, 3, 0, 3)
	aCol := [3]float64{p2Local.At(0, 3), p2Local.At(1, 3), p2Local.At(2, 3)}

	var a2p1 mat.Dense
	a2p1.Mul(a2, p1Global)

	// unknowns: bottom row of H (4) and the scale of the second camera
	sys := mat.NewDense(12, 5, nil)
	rhs := mat.NewVecDense(12, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			row := r*4 + c
			sys.Set(row, c, aCol[r])
			sys.Set(row, 4, -p2Global.At(r, c))
			rhs.SetVec(row, -a2p1.At(r, c))
		}
	}
	var x mat.VecDense
	if err := x.SolveVec(sys, rhs); err != nil {
		return nil, errors.Wrap(err, "local frame incompatible with global cameras")
	}
	lambda := x.AtVec(4)
	if !isCountable(lambda) || math.Abs(lambda) < 1e-12 {
		return nil, errors.New("degenerate camera scale relating local and global frames")
	}

	h := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			h.Set(i, j, p1Global.At(i, j))
		}
	}
	for j := 0; j < 4; j++ {
		h.Set(3, j, x.AtVec(j))
	}
	return h, nil
}

// rqDecompose factors m into an upper-triangular K and a rotation R with
// m = K*R, using the QR decomposition of the row-reversed transpose.
func rqDecompose(m *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	flip := mat.NewDense(3, 3, []float64{0, 0, 1, 0, 1, 0, 1, 0, 0})

	var fm mat.Dense
	fm.Mul(flip, m)
	a := transposeDense(&fm)

	var qr mat.QR
	qr.Factorize(a)
	var q0, r0 mat.Dense
	qr.QTo(&q0)
	qr.RTo(&r0)

	// K = flip * R0^T * flip, R = flip * Q0^T
	var k, r mat.Dense
	k.Mul(flip, transposeDense(&r0))
	k.Mul(&k, flip)
	r.Mul(flip, transposeDense(&q0))

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if !isCountable(k.At(i, j)) || !isCountable(r.At(i, j)) {
				return nil, nil, errors.New("uncountable RQ decomposition")
			}
		}
	}
	return &k, &r, nil
}

func applyCalibrationInverse(kInv *mat.Dense, pts []r2.Point) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		x := kInv.At(0, 0)*pt.X + kInv.At(0, 1)*pt.Y + kInv.At(0, 2)
		y := kInv.At(1, 0)*pt.X + kInv.At(1, 1)*pt.Y + kInv.At(1, 2)
		out[i] = r2.Point{X: x, Y: y}
	}
	return out
}

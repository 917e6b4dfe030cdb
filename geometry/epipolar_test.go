package geometry

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

// fullCamera builds the 3x4 matrix K*[R|t] for a pose.
func fullCamera(k *mat.Dense, pose *Se3) *mat.Dense {
	rt := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.Set(i, j, pose.R.At(i, j))
		}
	}
	rt.Set(0, 3, pose.T.X)
	rt.Set(1, 3, pose.T.Y)
	rt.Set(2, 3, pose.T.Z)
	var p mat.Dense
	p.Mul(k, rt)
	return &p
}

// rotationAngle returns the angle of the rotation taking a to b.
func rotationAngle(a, b *mat.Dense) float64 {
	var diff mat.Dense
	diff.Mul(transposeDense(a), b)
	return RotationToRodrigues(&diff).Norm()
}

func normalizeByFocal(pts []r2.Point, f float64) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		out[i] = r2.Point{X: pt.X / f, Y: pt.Y / f}
	}
	return out
}

func TestFundamentalFromPoints(t *testing.T) {
	s := makeSyntheticViews(2, 40, 560)
	f, err := FundamentalFromPoints(s.pixels[0], s.pixels[1])
	test.That(t, err, test.ShouldBeNil)
	for i := range s.points {
		test.That(t, SampsonDistance(f, s.pixels[0][i], s.pixels[1][i]), test.ShouldBeLessThan, 1e-8)
	}

	// an incompatible correspondence scores far off the epipolar line
	bad := r2.Point{X: s.pixels[1][0].X + 55, Y: s.pixels[1][0].Y - 70}
	test.That(t, SampsonDistance(f, s.pixels[0][0], bad), test.ShouldBeGreaterThan, 1.0)
}

func TestFundamentalFromPointsDegenerate(t *testing.T) {
	pts := []r2.Point{{X: 1, Y: 1}, {X: 2, Y: 2}}
	_, err := FundamentalFromPoints(pts, pts)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCameraFromFundamental(t *testing.T) {
	s := makeSyntheticViews(2, 40, 560)
	f, err := FundamentalFromPoints(s.pixels[0], s.pixels[1])
	test.That(t, err, test.ShouldBeNil)
	p2, err := CameraFromFundamental(f)
	test.That(t, err, test.ShouldBeNil)

	// the canonical pair must reproduce every correspondence
	p1 := identityCamera()
	for i := range s.points {
		pt, err := TriangulateLinear([]*mat.Dense{p1, p2}, []r2.Point{s.pixels[0][i], s.pixels[1][i]})
		test.That(t, err, test.ShouldBeNil)
		proj1, err := ProjectHomogeneous(p1, pt)
		test.That(t, err, test.ShouldBeNil)
		proj2, err := ProjectHomogeneous(p2, pt)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, proj1.Sub(s.pixels[0][i]).Norm(), test.ShouldBeLessThan, 1e-6)
		test.That(t, proj2.Sub(s.pixels[1][i]).Norm(), test.ShouldBeLessThan, 1e-6)
	}
}

func TestFundamentalFromPointsLateralTranslation(t *testing.T) {
	// sideways motion zeroes the constant entry of F, so the scale
	// normalization must not lean on that entry
	s := makeLateralViews(2, 40, 560)
	f, err := FundamentalFromPoints(s.pixels[0], s.pixels[1])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.Norm(f, 2), test.ShouldAlmostEqual, 1, 1e-9)
	for i := range s.points {
		test.That(t, SampsonDistance(f, s.pixels[0][i], s.pixels[1][i]), test.ShouldBeLessThan, 1e-8)
	}

	// the canonical pair stays numerically usable
	p2, err := CameraFromFundamental(f)
	test.That(t, err, test.ShouldBeNil)
	p1 := identityCamera()
	for i := range s.points {
		pt, err := TriangulateLinear([]*mat.Dense{p1, p2}, []r2.Point{s.pixels[0][i], s.pixels[1][i]})
		test.That(t, err, test.ShouldBeNil)
		proj2, err := ProjectHomogeneous(p2, pt)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, proj2.Sub(s.pixels[1][i]).Norm(), test.ShouldBeLessThan, 1e-6)
	}
}

func TestEssentialDecomposition(t *testing.T) {
	const focal = 560.0
	s := makeSyntheticViews(2, 40, focal)
	rel := s.relative(0, 1)

	ess := skewSymmetric(rel.T.X, rel.T.Y, rel.T.Z)
	ess.Mul(ess, rel.R)

	r1, r2mat, tVec, err := DecomposeEssential(ess)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r1, test.ShouldNotBeNil)
	test.That(t, r2mat, test.ShouldNotBeNil)
	test.That(t, tVec.Norm(), test.ShouldAlmostEqual, 1, 1e-9)

	pose, err := BestPoseByCheirality(ess,
		normalizeByFocal(s.pixels[0], focal),
		normalizeByFocal(s.pixels[1], focal))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rotationAngle(pose.R, rel.R), test.ShouldBeLessThan, 1e-6)

	// translation is recovered up to scale
	dir := rel.T.Normalize()
	test.That(t, pose.T.Normalize().Sub(dir).Norm(), test.ShouldBeLessThan, 1e-6)
}

func TestEssentialFromFundamental(t *testing.T) {
	const focal = 560.0
	s := makeSyntheticViews(2, 40, focal)
	f, err := FundamentalFromPoints(s.pixels[0], s.pixels[1])
	test.That(t, err, test.ShouldBeNil)

	ess, err := EssentialFromFundamental(s.k, s.k, f)
	test.That(t, err, test.ShouldBeNil)

	// the epipolar constraint must hold on normalized coordinates
	n1 := normalizeByFocal(s.pixels[0], focal)
	n2 := normalizeByFocal(s.pixels[1], focal)
	for i := range n1 {
		test.That(t, SampsonDistance(ess, n1[i], n2[i]), test.ShouldBeLessThan, 1e-10)
	}

	pose, err := BestPoseByCheirality(ess, n1, n2)
	test.That(t, err, test.ShouldBeNil)
	rel := s.relative(0, 1)
	test.That(t, rotationAngle(pose.R, rel.R), test.ShouldBeLessThan, 1e-5)
	test.That(t, pose.T.Normalize().Sub(rel.T.Normalize()).Norm(), test.ShouldBeLessThan, 1e-5)
}

func TestSe3Roundtrip(t *testing.T) {
	rot := RodriguesToRotation(r3.Vector{X: 0.2, Y: -0.1, Z: 0.05})
	pose := NewSe3(rot, r3.Vector{X: 1, Y: -2, Z: 0.5})

	// concatenating with the inverse yields the identity
	id := pose.Concat(pose.Invert())
	test.That(t, rotationAngle(id.R, eye(3)), test.ShouldBeLessThan, 1e-10)
	test.That(t, id.T.Norm(), test.ShouldBeLessThan, 1e-10)

	rod := RotationToRodrigues(rot)
	back := RodriguesToRotation(rod)
	test.That(t, rotationAngle(rot, back), test.ShouldBeLessThan, 1e-10)
}

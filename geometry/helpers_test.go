package geometry

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/utils"
)

// synthetic two/three view fixtures shared by the geometry tests

type syntheticViews struct {
	k      *mat.Dense
	poses  []*Se3 // world(=first camera) to view
	points []r3.Vector
	pixels [][]r2.Point // per view, aligned with points
}

func makeSyntheticViews(numViews, numPoints int, focal float64) *syntheticViews {
	s := &syntheticViews{k: CameraMatrix(focal, 0, 0)}
	for i := 0; i < numViews; i++ {
		angle := 0.03 * float64(i)
		rot := RodriguesToRotation(r3.Vector{Y: angle})
		center := r3.Vector{X: 0.4 * float64(i), Y: 0.05 * float64(i%2)}
		t := rotatePoint(rot, center).Mul(-1)
		s.poses = append(s.poses, NewSe3(rot, t))
	}
	s.fill(numPoints, focal)
	return s
}

// makeLateralViews strings unrotated cameras along the x axis. Sideways
// translation zeroes the constant entry of the fundamental matrix in these
// centered coordinates, the degenerate case for its scale normalization.
func makeLateralViews(numViews, numPoints int, focal float64) *syntheticViews {
	s := &syntheticViews{k: CameraMatrix(focal, 0, 0)}
	for i := 0; i < numViews; i++ {
		s.poses = append(s.poses, NewSe3(eye(3), r3.Vector{X: -0.35 * float64(i)}))
	}
	s.fill(numPoints, focal)
	return s
}

func (s *syntheticViews) fill(numPoints int, focal float64) {
	xs := utils.SampleNFloatsUniform(numPoints, -1.2, 1.2)
	ys := utils.SampleNFloatsUniform(numPoints, -1.2, 1.2)
	zs := utils.SampleNFloatsUniform(numPoints, 5, 9)
	s.points = make([]r3.Vector, numPoints)
	for i := range s.points {
		s.points[i] = r3.Vector{X: xs[i], Y: ys[i], Z: zs[i]}
	}

	s.pixels = make([][]r2.Point, len(s.poses))
	for v := range s.poses {
		s.pixels[v] = make([]r2.Point, numPoints)
		for i, pt := range s.points {
			inCam := s.poses[v].TransformPoint(pt)
			s.pixels[v][i] = r2.Point{
				X: focal * inCam.X / inCam.Z,
				Y: focal * inCam.Y / inCam.Z,
			}
		}
	}
}

// relative returns the transform from view a's frame to view b's frame.
func (s *syntheticViews) relative(a, b int) *Se3 {
	return s.poses[a].Invert().Concat(s.poses[b])
}

func (s *syntheticViews) triples(a, b, c int) []Triple {
	out := make([]Triple, len(s.points))
	for i := range s.points {
		out[i] = Triple{A: s.pixels[a][i], B: s.pixels[b][i], C: s.pixels[c][i]}
	}
	return out
}
